package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/holiman/uint256"

	"twapguard/internal/fetcher"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

// Show prints the ring and aggregates of one pair, or of every pair.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var pairs []storage.Pair
	if opts.PairID != "" {
		pair, err := store.LoadPair(ctx, opts.PairID)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair)
	} else if pairs, err = store.ListPairs(ctx); err != nil {
		return err
	}
	if len(pairs) == 0 {
		fmt.Fprintln(os.Stdout, "no pairs found")
		return nil
	}

	for i, pair := range pairs {
		if i > 0 {
			fmt.Fprintln(os.Stdout)
		}
		var commits []storage.CommitRecord
		if opts.Commits > 0 {
			if commits, err = store.ListRecentCommits(ctx, pair.ID, opts.Commits); err != nil {
				return err
			}
		}
		if err := a.printPair(os.Stdout, pair, commits); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) printPair(out io.Writer, pair storage.Pair, commits []storage.CommitRecord) error {
	decimals := a.priceDecimals(pair.ID)
	render := func(v *uint256.Int) string {
		return fetcher.DecimalPrice(v, decimals).String()
	}
	renderAgg := func(agg twap.Aggregate, err error) string {
		if err != nil {
			return "error: " + err.Error()
		}
		v, ok := agg.Value()
		if !ok {
			return "none"
		}
		return render(&v)
	}

	store := pair.Store
	fmt.Fprintf(out, "Pair %s (%s/%s)\n", pair.ID, store.Base(), store.Quote())
	fmt.Fprintf(out, "  index %d/%d  total volume %d  accumulator %d  last tick %d  commits %d  cursor %d\n",
		store.CurrentIndex(), store.BucketCount(), store.TotalVolume(), store.VolumeAccumulator(),
		pair.Policy.LastUpdateTick, pair.Commits, pair.Cursor)

	twapAgg, twapErr := store.TWAP()
	vwapAgg, vwapErr := store.VWAP(store.BucketCount())
	buyback, buybackErr := twap.QueryBuybackPrice(store, &pair.Policy)
	stats := store.Stats()
	fmt.Fprintf(out, "  twap %s  vwap %s  buyback %s\n", renderAgg(twapAgg, twapErr), renderAgg(vwapAgg, vwapErr), renderAgg(buyback, buybackErr))
	fmt.Fprintf(out, "  min %s  max %s  median %s  (%d prices)\n",
		renderAgg(stats.Min, nil), renderAgg(stats.Max, nil), renderAgg(stats.Median, nil), stats.Count)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bucket\tPrice\tVolume\tTick\t")
	for i, b := range store.Buckets() {
		marker := ""
		if uint32(i) == store.CurrentIndex() {
			marker = "*"
		}
		if !b.Populated() && marker == "" {
			continue
		}
		fmt.Fprintf(writer, "%d%s\t%s\t%d\t%d\t\n", i, marker, render(&b.Price), b.Volume, b.Timestamp)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(commits) == 0 {
		return nil
	}
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Seq\tTick\tBucket\tPrice\tVolume\tTWAP\tFlags\t")
	for _, c := range commits {
		flags := ""
		if c.Advanced {
			flags += "advanced "
		}
		if c.Emergency {
			flags += "emergency"
		}
		fmt.Fprintf(writer, "%d\t%d\t%d\t%s\t%d\t%s\t%s\t\n", c.Seq, c.Tick, c.BucketIndex, render(&c.Price), c.Volume, renderAgg(c.TWAP, nil), flags)
	}
	return writer.Flush()
}

func (a *App) priceDecimals(id string) int32 {
	if pc, ok := a.Config.Pair(id); ok {
		return pc.PriceDecimals
	}
	return 0
}
