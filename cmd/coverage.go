package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/remediation"
)

var (
	evidenceFile   string
	overrideReason string
	overrideBy     string
)

var coverageCmd = &cobra.Command{
	Use:   "coverage <run-id>",
	Short: "Score a run and apply the promotion gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, err := readEvidenceFile(evidenceFile)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Service.Evaluate(cmd.Context(), remediation.EvaluateRequest{RunID: args[0], Evidence: evidence})
		if err != nil {
			return err
		}
		zap.L().Info("coverage evaluated",
			zap.String("run_id", args[0]),
			zap.String("decision", string(d.Decision)),
			zap.Float64("score", d.Score.OverallScore),
		)
		return printJSON(cmd.OutOrStdout(), d)
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <run-id>",
	Short: "Promote a run the gate did not promote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evidence, err := readEvidenceFile(evidenceFile)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Service.Override(cmd.Context(), remediation.OverrideRequest{
			RunID:     args[0],
			Reason:    overrideReason,
			DecidedBy: overrideBy,
			Evidence:  evidence,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	coverageCmd.Flags().StringVar(&evidenceFile, "evidence", "", "pre-existing evidence file (YAML or JSON)")
	overrideCmd.Flags().StringVar(&evidenceFile, "evidence", "", "pre-existing evidence file (YAML or JSON)")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "why the run is promoted anyway")
	overrideCmd.Flags().StringVar(&overrideBy, "by", "", "operator approving the override")
	_ = overrideCmd.MarkFlagRequired("reason")
	_ = overrideCmd.MarkFlagRequired("by")

	rootCmd.AddCommand(coverageCmd, overrideCmd)
}
