package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/remediation"
)

var (
	killRunID  string
	killReason string
	killBy     string
	killDetail string
	resetBy    string
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Operate the kill switch",
}

var killTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Halt a run, or every active run when --run is omitted",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Service.TriggerKillSwitch(cmd.Context(), remediation.KillRequest{
			RunID:       killRunID,
			Reason:      model.HaltReason(killReason),
			TriggeredBy: killBy,
			Detail:      killDetail,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var killResetCmd = &cobra.Command{
	Use:   "reset <run-id>",
	Short: "Clear the halt of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Service.ResetKillSwitch(cmd.Context(), args[0], resetBy)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var killStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the halt of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		halt, err := env.Service.HaltStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"run_id": args[0], "halted": halt != nil, "halt": halt})
	},
}

func init() {
	killTriggerCmd.Flags().StringVar(&killRunID, "run", "", "run id (default: every active run)")
	killTriggerCmd.Flags().StringVar(&killReason, "reason", string(model.HaltManual), "cost_cap, failure_rate, daily_call_limit or manual")
	killTriggerCmd.Flags().StringVar(&killBy, "by", "", "operator triggering the kill")
	killTriggerCmd.Flags().StringVar(&killDetail, "detail", "", "free-form detail")
	_ = killTriggerCmd.MarkFlagRequired("by")

	killResetCmd.Flags().StringVar(&resetBy, "by", "", "operator clearing the halt")
	_ = killResetCmd.MarkFlagRequired("by")

	killCmd.AddCommand(killTriggerCmd, killResetCmd, killStatusCmd)
	rootCmd.AddCommand(killCmd)
}
