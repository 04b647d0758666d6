package risk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shopspring/decimal"

	"github.com/basket/mission-control/internal/bus"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidFill    = errors.New("invalid trade result")
)

// Side is the direction of a proposed trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Proposal is a request to commit capital. Size and StopLoss are fractions:
// Size of portfolio value, StopLoss of the position that is at risk.
type Proposal struct {
	ProposalID string          `json:"proposal_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Asset      string          `json:"asset"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Strategy   string          `json:"strategy,omitempty"`
	Proposer   bus.AgentID     `json:"proposer,omitempty"`
}

// FillStatus is the exchange-side outcome of an approved proposal.
type FillStatus string

const (
	Filled          FillStatus = "FILLED"
	PartiallyFilled FillStatus = "PARTIALLY_FILLED"
	Rejected        FillStatus = "REJECTED"
	Closed          FillStatus = "CLOSED"
)

// TradeResult reports what happened to an approved proposal, or to a
// position close. Size is the committed (or closed) fraction; RealizedPnL is
// in account currency.
type TradeResult struct {
	ProposalID  string          `json:"proposal_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Asset       string          `json:"asset"`
	Status      FillStatus      `json:"status"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price,omitzero"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
}

const fractionDef = `{
	"oneOf": [
		{"type": "number"},
		{"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"}
	]
}`

const proposalSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["asset", "side", "size"],
	"properties": {
		"proposal_id": {"type": "string"},
		"task_id": {"type": "string"},
		"asset": {"type": "string", "maxLength": 32},
		"side": {"enum": ["BUY", "SELL"]},
		"size": {"$ref": "#/$defs/fraction"},
		"stop_loss": {"$ref": "#/$defs/fraction"},
		"strategy": {"type": "string"},
		"proposer": {"type": "string"}
	},
	"$defs": {"fraction": ` + fractionDef + `}
}`

const tradeResultSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["asset", "status"],
	"properties": {
		"proposal_id": {"type": "string"},
		"task_id": {"type": "string"},
		"asset": {"type": "string", "minLength": 1},
		"status": {"enum": ["FILLED", "PARTIALLY_FILLED", "REJECTED", "CLOSED"]},
		"size": {"$ref": "#/$defs/fraction"},
		"price": {"$ref": "#/$defs/fraction"},
		"realized_pnl": {"$ref": "#/$defs/fraction"},
		"reason": {"type": "string"}
	},
	"$defs": {"fraction": ` + fractionDef + `}
}`

var (
	proposalValidator    = mustCompile("proposal.json", proposalSchema)
	tradeResultValidator = mustCompile("trade_result.json", tradeResultSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(fmt.Sprintf("risk: unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("risk: add %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("risk: compile %s: %v", name, err))
	}
	return s
}

func validateAgainst(s *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ParseProposal validates raw against the proposal schema and decodes it.
func ParseProposal(raw []byte) (Proposal, error) {
	var p Proposal
	if err := validateAgainst(proposalValidator, raw); err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.Asset = strings.ToUpper(strings.TrimSpace(p.Asset))
	return p, nil
}

// ParseTradeResult validates raw against the trade result schema and
// decodes it.
func ParseTradeResult(raw []byte) (TradeResult, error) {
	var r TradeResult
	if err := validateAgainst(tradeResultValidator, raw); err != nil {
		return r, err
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	r.Asset = strings.ToUpper(strings.TrimSpace(r.Asset))
	return r, nil
}

// ProposalFromEnvelope decodes a TRADE_PROPOSAL envelope, defaulting the
// proposal id to the envelope id, the task id to the correlation id and the
// proposer to the sender.
func ProposalFromEnvelope(env bus.Envelope) (Proposal, error) {
	if env.TaskType != bus.TradeProposal {
		return Proposal{}, fmt.Errorf("%w: envelope %s is %s", ErrInvalidPayload, env.ID, env.TaskType)
	}
	p, err := ParseProposal(env.Payload)
	if p.ProposalID == "" {
		p.ProposalID = env.ID
	}
	if p.TaskID == "" {
		p.TaskID = env.CorrelationID
	}
	if p.Proposer == "" {
		p.Proposer = env.From
	}
	return p, err
}
