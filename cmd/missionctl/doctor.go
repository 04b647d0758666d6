package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/mission-control/internal/config"
	"github.com/basket/mission-control/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Keep going so the checks can say what is wrong.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		writeJSONOut(stdout, diag)
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "missionctl doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "[%s] %-14s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "       %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
