// Package execution turns approved proposals into fills.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/basket/mission-control/internal/risk"
)

// Fill is the exchange-side result of an order.
type Fill struct {
	Status      risk.FillStatus `json:"status"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price,omitzero"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
}

// CloseRequest is the CLOSE_POSITION payload. A zero Size closes the whole
// position.
type CloseRequest struct {
	TaskID      string          `json:"task_id,omitempty"`
	Asset       string          `json:"asset"`
	Size        decimal.Decimal `json:"size"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
}

// Exchange executes orders.
type Exchange interface {
	Execute(ctx context.Context, p risk.Proposal) (Fill, error)
	Close(ctx context.Context, req CloseRequest) (Fill, error)
}

// PaperExchange fills instantly at the configured mark price. FillRatio
// scales every fill: 1 fills in full, anything in (0,1) fills partially and
// 0 rejects.
type PaperExchange struct {
	mu        sync.Mutex
	fillRatio decimal.Decimal
	marks     map[string]decimal.Decimal
	open      map[string]decimal.Decimal
}

func NewPaperExchange(fillRatio decimal.Decimal) (*PaperExchange, error) {
	if fillRatio.IsNegative() || fillRatio.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("paper exchange: fill ratio %s outside [0,1]", fillRatio)
	}
	return &PaperExchange{
		fillRatio: fillRatio,
		marks:     make(map[string]decimal.Decimal),
		open:      make(map[string]decimal.Decimal),
	}, nil
}

// SetMark sets the price used for asset. Assets without a mark fill with
// no price.
func (x *PaperExchange) SetMark(asset string, price decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.marks[strings.ToUpper(asset)] = price
}

func (x *PaperExchange) Execute(ctx context.Context, p risk.Proposal) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if !p.Size.IsPositive() {
		return Fill{}, fmt.Errorf("paper exchange: non-positive size %s", p.Size)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fillRatio.IsZero() {
		return Fill{Status: risk.Rejected, Reason: "paper exchange rejects all orders"}, nil
	}
	size := p.Size.Mul(x.fillRatio)
	status := risk.Filled
	if x.fillRatio.LessThan(decimal.NewFromInt(1)) {
		status = risk.PartiallyFilled
	}
	x.open[p.Asset] = x.open[p.Asset].Add(size)
	return Fill{Status: status, Size: size, Price: x.marks[p.Asset]}, nil
}

func (x *PaperExchange) Close(ctx context.Context, req CloseRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	asset := strings.ToUpper(req.Asset)
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.open[asset]
	size := req.Size
	if size.IsZero() || size.GreaterThan(cur) {
		size = cur
	}
	if rest := cur.Sub(size); rest.IsPositive() {
		x.open[asset] = rest
	} else {
		delete(x.open, asset)
	}
	return Fill{Status: risk.Closed, Size: size, Price: x.marks[asset], RealizedPnL: req.RealizedPnL, Reason: req.Reason}, nil
}

// Open returns the exchange-side open size for asset.
func (x *PaperExchange) Open(asset string) decimal.Decimal {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.open[strings.ToUpper(asset)]
}
