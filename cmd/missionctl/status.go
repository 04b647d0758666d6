package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/mission-control/internal/gateway"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// clientFlags registers the flags every client subcommand takes.
func clientFlags(name string, stderr io.Writer) (*flag.FlagSet, *clientOptions, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &clientOptions{}
	fs.StringVar(&opts.addr, "addr", "", "daemon address (default: bind_addr from config.yaml)")
	fs.StringVar(&opts.token, "token", "", "API token (default: MISSIONCTL_API_TOKEN or config.yaml)")
	asJSON := fs.Bool("json", false, "print raw JSON")
	return fs, opts, asJSON
}

func writeJSONOut(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, opts, asJSON := clientFlags("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: missionctl status [-addr host:port] [-token t] [-json]")
		return 2
	}
	client, err := newAPIClient(*opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var st gateway.StatusResponse
	if err := client.do(reqCtx, "GET", "/api/status", nil, &st); err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return exitCode(err)
	}

	if *asJSON || !isTerminal(stdout) {
		writeJSONOut(stdout, st)
	} else {
		printStatus(stdout, st)
	}
	if st.Health == "CRITICAL" || (st.Risk != nil && st.Risk.Emergency.Active) {
		return 3
	}
	return 0
}

func printStatus(w io.Writer, st gateway.StatusResponse) {
	fmt.Fprintf(w, "Health:        %s", st.Health)
	if st.HealthDetail != "" {
		fmt.Fprintf(w, " (%s)", st.HealthDetail)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Config:        %s\n", st.ConfigFingerprint)
	if r := st.Risk; r != nil {
		stop := "off"
		if r.Emergency.Active {
			stop = fmt.Sprintf("ACTIVE since %s by %s: %s", r.Emergency.Since.Format(time.RFC3339), r.Emergency.Actor, r.Emergency.Reason)
		}
		fmt.Fprintf(w, "Emergency:     %s\n", stop)
		fmt.Fprintf(w, "Risk level:    %s\n", r.Level)
		fmt.Fprintf(w, "Balance:       %s (peak %s)\n", r.Balance.StringFixed(2), r.Peak.StringFixed(2))
		fmt.Fprintf(w, "Exposure:      %s\n", r.TotalExposure.String())
		fmt.Fprintf(w, "Decisions:     %d approved, %d held, %d vetoed\n", r.Approved, r.Held, r.Vetoed)
	}
	fmt.Fprintf(w, "Dead letters:  %d pending, %d dropped\n", st.Bus.DeadLetters, st.Bus.DroppedDeadLetters)

	if len(st.Bus.Queues) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AGENT\tPENDING\tIN FLIGHT\tHELD")
		for _, q := range st.Bus.Queues {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", q.Agent, q.Pending, q.InFlight, q.Held)
		}
		_ = tw.Flush()
	}
	if len(st.Supervised) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AGENT\tSTATE\tERRORS\tLAST SEEN")
		for _, a := range st.Supervised {
			state := a.State
			if a.Stale {
				state += " (stale)"
			}
			seen := "never"
			if !a.LastSeen.IsZero() {
				seen = a.LastSeen.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.AgentID, state, a.Errors, seen)
		}
		_ = tw.Flush()
	}
	if len(st.Jobs) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSPEC\tNEXT\tRUNS\tFAILURES")
		for _, j := range st.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", j.Name, j.Spec, j.Next.Format(time.RFC3339), j.Runs, j.Failures)
		}
		_ = tw.Flush()
	}
}

func runEstopCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	usage := "usage: missionctl estop trigger <reason> | missionctl estop clear"
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	action := strings.ToLower(args[0])
	fs, opts, asJSON := clientFlags("estop "+action, stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	var (
		method string
		body   any
	)
	switch action {
	case "trigger":
		reason := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if reason == "" {
			fmt.Fprintln(stderr, usage)
			return 2
		}
		method, body = "POST", map[string]string{"reason": reason}
	case "clear":
		if fs.NArg() != 0 {
			fmt.Fprintln(stderr, usage)
			return 2
		}
		method = "DELETE"
	default:
		fmt.Fprintln(stderr, usage)
		return 2
	}

	client, err := newAPIClient(*opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out map[string]any
	if err := client.do(reqCtx, method, "/api/emergency-stop", body, &out); err != nil {
		fmt.Fprintf(stderr, "estop %s: %v\n", action, err)
		return exitCode(err)
	}
	if *asJSON || !isTerminal(stdout) {
		writeJSONOut(stdout, out)
		return 0
	}
	if action == "trigger" {
		fmt.Fprintf(stdout, "Emergency stop triggered by %v\n", out["actor"])
	} else {
		fmt.Fprintf(stdout, "Emergency stop cleared by %v\n", out["cleared_by"])
	}
	return 0
}
