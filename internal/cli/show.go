package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"twapguard/internal/app"
)

var (
	showPair    string
	showCommits int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display bucket state, aggregates and recent commits",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showCommits < 0 {
			return fmt.Errorf("--commits cannot be negative")
		}

		opts := app.ShowOptions{
			PairID:  showPair,
			Commits: showCommits,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showPair, "pair", "", "Pair id to display (all pairs when empty)")
	showCmd.Flags().IntVar(&showCommits, "commits", 10, "Number of recent commits to display")
}
