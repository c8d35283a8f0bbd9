package main

import (
	"github.com/spf13/cobra"
)

var createRequestCmd = &cobra.Command{
	Use:   "create-request <prompt>",
	Short: "Post a new inference request with locked funds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		modelHint, _ := cmd.Flags().GetString("model")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		maxPrice, _ := cmd.Flags().GetString("max-price")
		requester, _ := cmd.Flags().GetString("requester")
		expiresIn, _ := cmd.Flags().GetString("expires-in")

		return apiPost(cmd, "/v1/requests", map[string]any{
			"prompt":     args[0],
			"category":   category,
			"model_hint": modelHint,
			"max_tokens": maxTokens,
			"max_price":  maxPrice,
			"requester":  requester,
			"expires_in": expiresIn,
		})
	},
}

var listOpenCmd = &cobra.Command{
	Use:   "list-open",
	Short: "List open requests accepting bids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/requests")
	},
}

var getRequestCmd = &cobra.Command{
	Use:   "get-request <request-id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/requests/"+args[0])
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund <request-id>",
	Short: "Cancel a request and refund the locked funds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return apiPost(cmd, "/v1/requests/"+args[0]+"/refund", map[string]any{
			"reason": reason,
		})
	},
}

func init() {
	createRequestCmd.Flags().String("category", "general", "Task category: code, technical, creative, general")
	createRequestCmd.Flags().String("model", "", "Preferred model hint")
	createRequestCmd.Flags().Int("max-tokens", 0, "Token budget")
	createRequestCmd.Flags().String("max-price", "", "Maximum price to lock in escrow")
	createRequestCmd.Flags().String("requester", "", "Requester id")
	createRequestCmd.Flags().String("expires-in", "", "Bidding window, e.g. 30m or 2h")
	_ = createRequestCmd.MarkFlagRequired("max-price")
	_ = createRequestCmd.MarkFlagRequired("requester")

	refundCmd.Flags().String("reason", "cancelled by requester", "Refund reason")

	rootCmd.AddCommand(createRequestCmd)
	rootCmd.AddCommand(listOpenCmd)
	rootCmd.AddCommand(getRequestCmd)
	rootCmd.AddCommand(refundCmd)
}
