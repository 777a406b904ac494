package cli

import (
	"github.com/spf13/cobra"

	"twapguard/internal/reclaim"
)

var (
	reclaimPair    string
	reclaimAmount  uint64
	reclaimBalance uint64
	reclaimSupply  uint64
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim-quote",
	Short: "Price a reclaim of outstanding units at the discounted TWAP",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := reclaim.Request{
			Amount:        reclaimAmount,
			HolderBalance: reclaimBalance,
			Supply:        reclaimSupply,
		}
		return getApp().QuoteReclaim(cmd.Context(), cmd.OutOrStdout(), reclaimPair, req)
	},
}

func init() {
	reclaimCmd.Flags().StringVar(&reclaimPair, "pair", "", "Pair id")
	reclaimCmd.Flags().Uint64Var(&reclaimAmount, "amount", 0, "Units to reclaim")
	reclaimCmd.Flags().Uint64Var(&reclaimBalance, "balance", 0, "Units held by the requester")
	reclaimCmd.Flags().Uint64Var(&reclaimSupply, "supply", 0, "Total unit supply")
	for _, name := range []string{"pair", "amount", "balance", "supply"} {
		_ = reclaimCmd.MarkFlagRequired(name)
	}
}
