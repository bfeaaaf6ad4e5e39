package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carepilot-io/carepilot/internal/agent"
	"github.com/carepilot-io/carepilot/internal/evidence"
)

var (
	consentUser    string
	consentAction  string
	consentPayload string
	consentTTL     int
	consentToken   string
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Issue and inspect consent tokens",
}

var consentIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a single-use consent token bound to an action and payload",
	RunE:  runConsentIssue,
}

var consentValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check whether a token would authorize an action (read-only)",
	RunE:  runConsentValidate,
}

func init() {
	consentIssueCmd.Flags().StringVar(&consentUser, "user", "default", "user id the token is bound to")
	consentIssueCmd.Flags().StringVar(&consentAction, "action", "", "action type the token authorizes")
	consentIssueCmd.Flags().StringVar(&consentPayload, "payload", "", "payload the token is bound to, as JSON")
	consentIssueCmd.Flags().IntVar(&consentTTL, "ttl", 0, "token lifetime in seconds (policy default when 0)")
	_ = consentIssueCmd.MarkFlagRequired("action")

	consentValidateCmd.Flags().StringVar(&consentToken, "token", "", "token id to check")
	consentValidateCmd.Flags().StringVar(&consentUser, "user", "default", "acting user id")
	consentValidateCmd.Flags().StringVar(&consentAction, "action", "", "action type")
	consentValidateCmd.Flags().StringVar(&consentPayload, "payload", "", "payload as JSON")
	_ = consentValidateCmd.MarkFlagRequired("token")
	_ = consentValidateCmd.MarkFlagRequired("action")

	consentCmd.AddCommand(consentIssueCmd)
	consentCmd.AddCommand(consentValidateCmd)
	rootCmd.AddCommand(consentCmd)
}

func runConsentIssue(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.consent.issue")
	defer span.End()

	payload, err := parsePayloadJSON(consentPayload)
	if err != nil {
		return err
	}
	hash, err := agent.CanonicalPayloadHash(payload)
	if err != nil {
		return err
	}

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ttlSeconds := consentTTL
	if ttlSeconds <= 0 {
		ttlSeconds = c.policy.ConsentTTLSeconds()
	}
	tok, err := c.consents.Issue(ctx, consentUser, consentAction, hash, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("issuing consent token: %w", err)
	}

	if err := c.audit.Append(ctx, &evidence.Event{
		UserID:    consentUser,
		EventType: evidence.TypeConsentIssued,
		ToolName:  consentAction,
		Details: map[string]interface{}{
			"token_id":     tok.ID,
			"payload_hash": hash,
			"expires_at":   tok.ExpiresAt,
		},
	}); err != nil {
		log.Warn().Err(err).Msg("audit_append_failed")
	}

	return printJSON(map[string]interface{}{
		"token":        tok.ID,
		"action_type":  tok.ActionType,
		"payload_hash": tok.PayloadHash,
		"expires_at":   tok.ExpiresAt,
	})
}

func runConsentValidate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.consent.validate")
	defer span.End()

	payload, err := parsePayloadJSON(consentPayload)
	if err != nil {
		return err
	}
	hash, err := agent.CanonicalPayloadHash(payload)
	if err != nil {
		return err
	}

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.consents.Validate(ctx, consentToken, consentUser, consentAction, hash)
	if err != nil {
		return fmt.Errorf("validating consent token: %w", err)
	}
	return printJSON(v)
}
