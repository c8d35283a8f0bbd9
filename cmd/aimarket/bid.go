package main

import (
	"github.com/spf13/cobra"
)

var submitBidCmd = &cobra.Command{
	Use:   "submit-bid <request-id>",
	Short: "Place a bid on an open request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bidder, _ := cmd.Flags().GetString("bidder")
		bidModel, _ := cmd.Flags().GetString("model")
		price, _ := cmd.Flags().GetString("price")

		return apiPost(cmd, "/v1/requests/"+args[0]+"/bids", map[string]any{
			"bidder": bidder,
			"model":  bidModel,
			"price":  price,
		})
	},
}

var listBidsCmd = &cobra.Command{
	Use:   "list-bids <request-id>",
	Short: "List all bids on a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/requests/"+args[0]+"/bids")
	},
}

var selectWinnerCmd = &cobra.Command{
	Use:   "select-winner <request-id>",
	Short: "Run winner selection and assign the escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiPost(cmd, "/v1/requests/"+args[0]+"/select", map[string]any{})
	},
}

func init() {
	submitBidCmd.Flags().String("bidder", "", "Bidder id")
	submitBidCmd.Flags().String("model", "", "Model the bidder will run")
	submitBidCmd.Flags().String("price", "", "Offered price")
	_ = submitBidCmd.MarkFlagRequired("bidder")
	_ = submitBidCmd.MarkFlagRequired("price")

	rootCmd.AddCommand(submitBidCmd)
	rootCmd.AddCommand(listBidsCmd)
	rootCmd.AddCommand(selectWinnerCmd)
}
