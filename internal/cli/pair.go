package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"twapguard/internal/app"
)

var (
	initPairID     string
	initPairBase   string
	initPairQuote  string
	initPairCursor uint64
)

var initPairCmd = &cobra.Command{
	Use:   "init-pair",
	Short: "Create a pair with the configured policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.InitPairOptions{
			PairID: initPairID,
			Base:   initPairBase,
			Quote:  initPairQuote,
			Cursor: initPairCursor,
		}
		return getApp().InitPair(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var (
	submitPair    string
	submitPrice   string
	submitVolume  uint64
	submitTick    uint64
	submitDecimal bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Gate a single price sample for a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("tick") {
			return fmt.Errorf("--tick must be provided")
		}
		opts := app.SubmitOptions{
			PairID:  submitPair,
			Price:   submitPrice,
			Volume:  submitVolume,
			Tick:    submitTick,
			Decimal: submitDecimal,
		}
		return getApp().Submit(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	initPairCmd.Flags().StringVar(&initPairID, "pair", "", "Pair id")
	initPairCmd.Flags().StringVar(&initPairBase, "base", "", "Base asset (defaults to config)")
	initPairCmd.Flags().StringVar(&initPairQuote, "quote", "", "Quote asset (defaults to config)")
	initPairCmd.Flags().Uint64Var(&initPairCursor, "cursor", 0, "Initial source cursor (defaults to start_block)")
	_ = initPairCmd.MarkFlagRequired("pair")

	submitCmd.Flags().StringVar(&submitPair, "pair", "", "Pair id")
	submitCmd.Flags().StringVar(&submitPrice, "price", "", "Price as a raw integer, or a decimal with --decimal")
	submitCmd.Flags().Uint64Var(&submitVolume, "volume", 0, "Sample volume")
	submitCmd.Flags().Uint64Var(&submitTick, "tick", 0, "Sample tick")
	submitCmd.Flags().BoolVar(&submitDecimal, "decimal", false, "Scale --price by the pair's price_decimals")
	_ = submitCmd.MarkFlagRequired("pair")
	_ = submitCmd.MarkFlagRequired("price")
}
