package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/remediation"
)

var (
	promoteRunID       string
	promoteFile        string
	promoteGapTypes    []string
	promotePriorities  []string
	promoteCompetitors []string

	listStatuses []string
	listLimit    int
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Manage the gap queue",
}

var gapsPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Enqueue gap candidates from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if promoteFile == "" {
			return eris.New("--file is required")
		}
		req, err := readPromoteFile(promoteFile)
		if err != nil {
			return err
		}
		if promoteRunID != "" {
			req.RunID = promoteRunID
		}
		for _, v := range promoteGapTypes {
			req.Filters.GapTypes = append(req.Filters.GapTypes, model.GapType(v))
		}
		for _, v := range promotePriorities {
			req.Filters.Priorities = append(req.Filters.Priorities, model.Priority(v))
		}
		req.Filters.CompetitorIDs = append(req.Filters.CompetitorIDs, promoteCompetitors...)

		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Service.PromoteGaps(cmd.Context(), req)
		if err != nil {
			return err
		}
		zap.L().Info("gaps promoted",
			zap.String("run_id", req.RunID),
			zap.Int("created", resp.GapsPromoted),
			zap.Int("matched", len(resp.PromotedGaps)),
		)
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var gapsListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the gaps of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		req := remediation.ListGapsRequest{RunID: args[0], Limit: listLimit}
		for _, s := range listStatuses {
			req.Statuses = append(req.Statuses, model.GapStatus(s))
		}
		gaps, err := env.Service.ListGaps(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), gaps)
	},
}

func init() {
	gapsPromoteCmd.Flags().StringVar(&promoteRunID, "run", "", "run id (overrides the file)")
	gapsPromoteCmd.Flags().StringVarP(&promoteFile, "file", "f", "", "candidates file (YAML or JSON)")
	gapsPromoteCmd.Flags().StringSliceVar(&promoteGapTypes, "gap-type", nil, "only promote these gap types")
	gapsPromoteCmd.Flags().StringSliceVar(&promotePriorities, "priority", nil, "only promote these priorities")
	gapsPromoteCmd.Flags().StringSliceVar(&promoteCompetitors, "competitor", nil, "only promote these competitor ids")

	gapsListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status")
	gapsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum gaps to list (0 = all)")

	gapsCmd.AddCommand(gapsPromoteCmd, gapsListCmd)
	rootCmd.AddCommand(gapsCmd)
}
