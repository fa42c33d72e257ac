package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/datafabric/internal/config"
	"github.com/basket/datafabric/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue with what was loaded so the report shows the rest.
	}

	diag := doctor.Run(ctx, &cfg, Version)
	return writeDiagnosis(os.Stdout, diag, jsonOutput)
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(w, "fabricd doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(w, "[%s] %-15s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
