package cmd

import (
	"github.com/spf13/cobra"

	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

var (
	actionsUser  string
	actionsLimit int
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect the action ledger",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's actions, newest first",
	RunE:  runActionsList,
}

var actionsShowCmd = &cobra.Command{
	Use:   "show <action-id>",
	Short: "Show one action record with its transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsShow,
}

func init() {
	actionsCmd.PersistentFlags().StringVar(&actionsUser, "user", "default", "user id")
	actionsListCmd.Flags().IntVar(&actionsLimit, "limit", 50, "max records")
	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsShowCmd)
	rootCmd.AddCommand(actionsCmd)
}

func runActionsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.actions.list")
	defer span.End()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	records, err := c.actions.ListByUser(ctx, actionsUser, actionsLimit)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"actions": records, "count": len(records)})
}

func runActionsShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cmd.actions.show")
	defer span.End()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.actions.Get(ctx, actionsUser, args[0])
	if err != nil {
		return err
	}
	history, err := c.actions.History(ctx, rec.ID)
	if err != nil {
		return err
	}
	return printJSON(struct {
		*lifecycle.Record
		Transitions []lifecycle.TransitionRecord `json:"transitions"`
	}{rec, history})
}
