package main

import (
	"github.com/spf13/cobra"
)

var submitResultCmd = &cobra.Command{
	Use:   "submit-result <request-id>",
	Short: "Record the assigned bidder's result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resultRef, _ := cmd.Flags().GetString("result-ref")
		return apiPost(cmd, "/v1/requests/"+args[0]+"/result", map[string]any{
			"result_ref": resultRef,
		})
	},
}

var validateResultCmd = &cobra.Command{
	Use:   "validate-result <request-id> <response>",
	Short: "Run automated validation and settle on the verdict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiPost(cmd, "/v1/requests/"+args[0]+"/validate", map[string]any{
			"response": args[1],
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a submitted result and release payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiPost(cmd, "/v1/requests/"+args[0]+"/approve", map[string]any{})
	},
}

var disputeCmd = &cobra.Command{
	Use:   "dispute <request-id>",
	Short: "Challenge a submitted result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		validator, _ := cmd.Flags().GetString("validator")
		return apiPost(cmd, "/v1/requests/"+args[0]+"/dispute", map[string]any{
			"reason":    reason,
			"validator": validator,
		})
	},
}

var resolveDisputeCmd = &cobra.Command{
	Use:   "resolve-dispute <request-id>",
	Short: "Settle a disputed escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		valid, _ := cmd.Flags().GetBool("valid")
		qualityScore, _ := cmd.Flags().GetFloat64("quality")
		return apiPost(cmd, "/v1/requests/"+args[0]+"/resolve", map[string]any{
			"valid":   valid,
			"quality": qualityScore,
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply the timeout policy to every non-terminal request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		assign, _ := cmd.Flags().GetString("assign-timeout")
		review, _ := cmd.Flags().GetString("review-timeout")
		body := map[string]any{}
		if assign != "" {
			body["assign_timeout"] = assign
		}
		if review != "" {
			body["review_timeout"] = review
		}
		return apiPost(cmd, "/v1/sweep", body)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <prompt> <response>",
	Short: "Score a response without touching any escrow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		return apiPost(cmd, "/v1/validate", map[string]any{
			"prompt":   args[0],
			"response": args[1],
			"category": category,
		})
	},
}

func init() {
	submitResultCmd.Flags().String("result-ref", "", "Reference to the produced result")
	_ = submitResultCmd.MarkFlagRequired("result-ref")

	disputeCmd.Flags().String("reason", "", "Dispute reason")
	disputeCmd.Flags().String("validator", "", "Validator to assign (defaults to the configured validator)")
	_ = disputeCmd.MarkFlagRequired("reason")

	resolveDisputeCmd.Flags().Bool("valid", false, "Whether the disputed result was valid")
	resolveDisputeCmd.Flags().Float64("quality", 0.8, "Quality score to record when the result is valid")

	validateCmd.Flags().String("category", "general", "Task category")

	sweepCmd.Flags().String("assign-timeout", "", "Override the assignment timeout (e.g. 10m)")
	sweepCmd.Flags().String("review-timeout", "", "Override the review timeout (e.g. 1h)")

	rootCmd.AddCommand(submitResultCmd)
	rootCmd.AddCommand(validateResultCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(disputeCmd)
	rootCmd.AddCommand(resolveDisputeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(validateCmd)
}
