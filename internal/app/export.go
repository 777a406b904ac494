package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"twapguard/internal/fetcher"
	"twapguard/internal/storage"
)

// Export renders a pair's commit log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PairID == "" {
		return errors.New("--pair is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	from, to := uint64(0), uint64(math.MaxUint64)
	if opts.FromTick != nil {
		from = *opts.FromTick
	}
	if opts.ToTick != nil {
		to = *opts.ToTick
	}
	if from >= to {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	commits, err := store.ListCommitsBetween(ctx, opts.PairID, from, to)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		a.Logger.Info().Str("pair", opts.PairID).Msg("no commits found for export window")
		return nil
	}

	downsampled := downsampleCommits(commits, opts.MaxPoints)
	a.Logger.Info().Str("pair", opts.PairID).Int("total", len(commits)).Int("exported", len(downsampled)).Msg("exporting commits")

	decimals := a.priceDecimals(opts.PairID)
	if opts.CSVPath != "" {
		if err := writeCommitsCSV(opts.CSVPath, downsampled, decimals); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCommitsPNG(opts.PNGPath, opts.PairID, downsampled, decimals); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCommits(commits []storage.CommitRecord, max int) []storage.CommitRecord {
	if max <= 0 || len(commits) <= max {
		return commits
	}
	if max == 1 {
		return commits[len(commits)-1:]
	}

	result := make([]storage.CommitRecord, 0, max)
	step := float64(len(commits)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(commits) {
			idx = len(commits) - 1
		}
		result = append(result, commits[idx])
	}
	return result
}

func writeCommitsCSV(path string, commits []storage.CommitRecord, decimals int32) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"seq", "tick", "bucket_index", "price_raw", "price", "volume", "twap_raw", "twap", "advanced", "emergency", "created_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range commits {
		twapRaw, twapDec := "", ""
		if v, ok := c.TWAP.Value(); ok {
			twapRaw = v.Dec()
			twapDec = fetcher.DecimalPrice(&v, decimals).String()
		}
		record := []string{
			strconv.FormatUint(c.Seq, 10),
			strconv.FormatUint(c.Tick, 10),
			strconv.FormatUint(uint64(c.BucketIndex), 10),
			c.Price.Dec(),
			fetcher.DecimalPrice(&c.Price, decimals).String(),
			strconv.FormatUint(c.Volume, 10),
			twapRaw,
			twapDec,
			strconv.FormatBool(c.Advanced),
			strconv.FormatBool(c.Emergency),
			c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCommitsPNG(path, pairID string, commits []storage.CommitRecord, decimals int32) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	ticks := make([]float64, 0, len(commits))
	prices := make([]float64, 0, len(commits))
	volumes := make([]float64, 0, len(commits))
	var twapTicks, twapValues []float64

	for _, c := range commits {
		tick := float64(c.Tick)
		ticks = append(ticks, tick)
		prices = append(prices, fetcher.DecimalPrice(&c.Price, decimals).InexactFloat64())
		volumes = append(volumes, float64(c.Volume))
		if v, ok := c.TWAP.Value(); ok {
			twapTicks = append(twapTicks, tick)
			twapValues = append(twapValues, fetcher.DecimalPrice(&v, decimals).InexactFloat64())
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	tickFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "Committed price",
			XValues: ticks,
			YValues: prices,
		},
		chart.ContinuousSeries{
			Name:    "Volume",
			XValues: ticks,
			YValues: volumes,
			YAxis:   chart.YAxisSecondary,
		},
	}
	if len(twapTicks) > 0 {
		series = append(series, chart.ContinuousSeries{
			Name:    "TWAP",
			XValues: twapTicks,
			YValues: twapValues,
		})
	}

	graph := chart.Chart{
		Title:  pairID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "Tick",
			ValueFormatter: tickFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: tickFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
