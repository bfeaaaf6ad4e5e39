package cmd

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carepilot-io/carepilot/internal/agent"
)

var (
	executeUser         string
	executeSession      string
	executePayload      string
	executeMessage      string
	executeConsentToken string
	executeEmergency    bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <tool>",
	Short: "Execute a tool action through the consent-gated pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeUser, "user", "default", "acting user id")
	executeCmd.Flags().StringVar(&executeSession, "session", "cli", "session key for idempotency scoping")
	executeCmd.Flags().StringVar(&executePayload, "payload", "", "tool payload as JSON")
	executeCmd.Flags().StringVar(&executeMessage, "message", "", "free text of the user request (emergency scanned)")
	executeCmd.Flags().StringVar(&executeConsentToken, "consent-token", "", "consent token confirming a transactional action")
	executeCmd.Flags().BoolVar(&executeEmergency, "emergency", false, "flag the context as an emergency")
	rootCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.execute",
		trace.WithAttributes(attribute.String("tool.name", args[0])))
	defer span.End()

	payload, err := parsePayloadJSON(executePayload)
	if err != nil {
		return err
	}

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ec := agent.ExecutionContext{
		UserID:       executeUser,
		SessionKey:   executeSession,
		RequestID:    uuid.New().String(),
		MessageText:  executeMessage,
		Emergency:    executeEmergency,
		ConsentToken: executeConsentToken,
	}
	res, err := c.executor.Execute(ctx, ec, args[0], payload)
	if err != nil {
		return err
	}
	return printJSON(res)
}
