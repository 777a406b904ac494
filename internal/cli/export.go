package cli

import (
	"github.com/spf13/cobra"

	"twapguard/internal/app"
)

var (
	exportPair      string
	exportFromTick  uint64
	exportToTick    uint64
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a pair's commit log as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PairID:    exportPair,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		if cmd.Flags().Changed("from-tick") {
			opts.FromTick = &exportFromTick
		}
		if cmd.Flags().Changed("to-tick") {
			opts.ToTick = &exportToTick
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPair, "pair", "", "Pair id to export")
	exportCmd.Flags().Uint64Var(&exportFromTick, "from-tick", 0, "First tick to include")
	exportCmd.Flags().Uint64Var(&exportToTick, "to-tick", 0, "Tick to stop at (exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	_ = exportCmd.MarkFlagRequired("pair")
}
