package cmd

import (
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	decayUser    string
	decayProfile bool
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run the temporal decay sweep for a user's clinical memory",
	Long: `Applies the time horizons to a user's clinical facts: active symptoms
past the reconfirmation window are stamped as due, symptoms past the
auto-resolve window become resolved_unconfirmed, bounded inferences past
their expiry become expired, and overdue health signals go stale.

The sweep is idempotent; running it twice with no elapsed time changes
nothing. It also runs inline before every profile read, so this command
exists for inspection and for catching up after downtime.`,
	RunE: runDecay,
}

func init() {
	decayCmd.Flags().StringVar(&decayUser, "user", "default", "user id to sweep")
	decayCmd.Flags().BoolVar(&decayProfile, "profile", false, "print the full profile after the sweep")
	rootCmd.AddCommand(decayCmd)
}

func runDecay(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.decay",
		trace.WithAttributes(attribute.String("user_id", decayUser)))
	defer span.End()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if decayProfile {
		view, err := c.clinical.Profile(ctx, decayUser)
		if err != nil {
			return err
		}
		return printJSON(view)
	}

	summary, err := c.clinical.ApplyDecay(ctx, decayUser)
	if err != nil {
		return err
	}
	return printJSON(summary)
}
