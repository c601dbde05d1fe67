package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <run-id>",
	Short: "Drain a run's queue through the tier workers",
	Long:  "Dispatches pending gaps in rounds of at most guardrails.concurrent_calls until none remain or the kill switch halts the run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Service.Dispatch(ctx, args[0])
		if err != nil {
			return err
		}
		zap.L().Info("dispatch complete",
			zap.String("run_id", report.RunID),
			zap.Int("rounds", report.Rounds),
			zap.Int("dispatched", report.Dispatched),
			zap.Int64("cost_cents", report.CostCents),
			zap.Bool("halted", report.Halted),
			zap.Duration("duration", report.Duration),
		)
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
