package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"twapguard/internal/app"
)

var (
	backfillPair   string
	backfillFrom   uint64
	backfillTo     uint64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay historical pool swaps through the update gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("from-block") || !cmd.Flags().Changed("to-block") {
			return fmt.Errorf("--from-block and --to-block must be provided")
		}
		if backfillFrom > backfillTo {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			PairID:    backfillPair,
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillPair, "pair", "", "Pair id to backfill")
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block (inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	_ = backfillCmd.MarkFlagRequired("pair")
}
