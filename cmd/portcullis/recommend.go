package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"helios-hq/portcullis/pkg/quota/catalog"
)

var recommendFlags struct {
	overage int64
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Suggest an add-on package for an observed overage",
	Long: `Suggest the smallest add-on package covering an observed overage,
with size-adjacent alternatives and their cost per request.

Examples:
  # A key ran 50 requests past its daily limit
  portcullis recommend --overage 50

  # A heavy consumer
  portcullis recommend --overage 5000`,
	RunE: runRecommend,
}

func init() {
	rootCmd.AddCommand(recommendCmd)

	recommendCmd.Flags().Int64Var(&recommendFlags.overage, "overage", 0, "observed requests past the daily limit")
	recommendCmd.MarkFlagRequired("overage")
}

func runRecommend(cmd *cobra.Command, args []string) error {
	if recommendFlags.overage <= 0 {
		return fmt.Errorf("overage must be positive, got %d", recommendFlags.overage)
	}

	rec := catalog.Recommend(recommendFlags.overage)

	if rec.Primary.Negotiated() {
		fmt.Printf("Recommended: %s (negotiated sizing, contact sales)\n", rec.Primary.Name)
	} else {
		fmt.Printf("Recommended: %s (+%d requests, $%.2f/month, $%.4f/request)\n",
			rec.Primary.Name,
			rec.Primary.AdditionalRequests,
			rec.Primary.MonthlyPriceUSD,
			rec.CostPerRequest,
		)
	}

	if len(rec.Alternatives) > 0 {
		fmt.Println("Alternatives:")
		for _, alt := range rec.Alternatives {
			fmt.Printf("  %s (+%d requests, $%.2f/month, $%.4f/request)\n",
				alt.Name,
				alt.AdditionalRequests,
				alt.MonthlyPriceUSD,
				alt.PricePerRequest(),
			)
		}
	}
	return nil
}
