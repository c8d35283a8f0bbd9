package main

import (
	"github.com/spf13/cobra"
)

var escrowStatusCmd = &cobra.Command{
	Use:   "escrow-status <request-id>",
	Short: "Show the escrow record and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/escrows/"+args[0])
	},
}

var reputationCmd = &cobra.Command{
	Use:   "reputation <bidder>",
	Short: "Show a bidder's reputation record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/reputation/"+args[0])
	},
}

var reconciliationsCmd = &cobra.Command{
	Use:   "reconciliations",
	Short: "List payouts that failed and need manual follow-up",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/reconciliations")
	},
}

func init() {
	rootCmd.AddCommand(escrowStatusCmd)
	rootCmd.AddCommand(reputationCmd)
	rootCmd.AddCommand(reconciliationsCmd)
}
