package main

import (
	"github.com/spf13/cobra"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect the attempt log",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list <gap-id>",
	Short: "List the attempts of a gap in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		attempts, err := env.Service.ListAttempts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), attempts)
	},
}

func init() {
	attemptsCmd.AddCommand(attemptsListCmd)
	rootCmd.AddCommand(attemptsCmd)
}
