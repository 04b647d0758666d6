package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/risk"
)

func runDeadLettersCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, opts, asJSON := clientFlags("dead-letters", stderr)
	limit := fs.Int("limit", 50, "maximum records to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := newAPIClient(*opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out struct {
		DeadLetters []bus.DeadLetter `json:"dead_letters"`
		Pending     int              `json:"pending"`
	}
	if err := client.do(reqCtx, "GET", "/api/dead-letters?limit="+strconv.Itoa(*limit), nil, &out); err != nil {
		fmt.Fprintf(stderr, "dead-letters: %v\n", err)
		return exitCode(err)
	}
	if *asJSON || !isTerminal(stdout) {
		writeJSONOut(stdout, out)
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tAGENT\tTASK TYPE\tCODE\tATTEMPT\tREASON")
	for _, dl := range out.DeadLetters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			dl.At.Format(time.RFC3339), dl.Agent, dl.Envelope.TaskType, dl.Code, dl.Envelope.Attempt, dl.Reason)
	}
	_ = tw.Flush()
	if out.Pending > 0 {
		fmt.Fprintf(stdout, "\n%d dead letter(s) not yet persisted\n", out.Pending)
	}
	return 0
}

func runDecisionsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, opts, asJSON := clientFlags("decisions", stderr)
	limit := fs.Int("limit", 50, "maximum records to list")
	outcome := fs.String("outcome", "", "filter by outcome: APPROVED, HELD or VETOED")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	client, err := newAPIClient(*opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *outcome != "" {
		q.Set("outcome", *outcome)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out struct {
		Decisions []risk.Decision `json:"decisions"`
	}
	if err := client.do(reqCtx, "GET", "/api/risk/decisions?"+q.Encode(), nil, &out); err != nil {
		fmt.Fprintf(stderr, "decisions: %v\n", err)
		return exitCode(err)
	}
	if *asJSON || !isTerminal(stdout) {
		writeJSONOut(stdout, out)
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tPROPOSAL\tASSET\tOUTCOME\tREASON\tDETAIL")
	for _, d := range out.Decisions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.At.Format(time.RFC3339), d.ProposalID, d.Asset, d.Outcome, d.Reason, d.Detail)
	}
	_ = tw.Flush()
	return 0
}
