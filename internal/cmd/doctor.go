package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/carepilot-io/carepilot/internal/doctor"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, crypto keys, SQLite)",
	Long:  "Verifies the data directory is writable, the care policy loads and its rules compile, crypto keys are configured, and the action, clinical, and audit databases are usable.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	ctx, span := tracer.Start(ctx, "cmd.doctor")
	defer span.End()

	report := doctor.Run(ctx, doctor.Options{PolicyBaseDir: "."})

	if doctorJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, c := range report.Checks {
			mark := "✓"
			switch c.Status {
			case "warn":
				mark = "⚠"
			case "fail":
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %s: %s\n", mark, c.Name, c.Message)
			if c.Fix != "" && c.Status != "pass" {
				fmt.Fprintf(out, "  fix: %s\n", c.Fix)
			}
		}
		fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n",
			report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
	}

	if report.Status == "fail" {
		return fmt.Errorf("preflight checks failed")
	}
	return nil
}
