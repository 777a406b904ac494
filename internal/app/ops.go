package app

import (
	"context"
	"fmt"
	"io"

	"github.com/holiman/uint256"

	"twapguard/internal/fetcher"
	"twapguard/internal/reclaim"
	"twapguard/internal/twap"
)

// InitPairOptions describe a pair created outside the configured list.
type InitPairOptions struct {
	PairID string
	Base   string
	Quote  string
	Cursor uint64
	Params *twap.Params
}

// InitPair stores a new pair using the configured policy unless overridden.
func (a *App) InitPair(ctx context.Context, out io.Writer, opts InitPairOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	params := a.Config.PolicyParams()
	if opts.Params != nil {
		params = *opts.Params
	}
	if pc, ok := a.Config.Pair(opts.PairID); ok {
		if opts.Base == "" {
			opts.Base = pc.BaseAsset
		}
		if opts.Quote == "" {
			opts.Quote = pc.QuoteAsset
		}
		if opts.Cursor == 0 {
			opts.Cursor = pc.StartBlock
		}
	}

	pair, err := a.newService(store, nil).CreatePair(ctx, opts.PairID, opts.Base, opts.Quote, params, opts.Cursor)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pair %s created with %d buckets\n", pair.ID, pair.Store.BucketCount())
	return nil
}

// SubmitOptions carry one manual sample.
type SubmitOptions struct {
	PairID string
	Price  string
	Volume uint64
	Tick   uint64
	// Decimal parses Price as a decimal scaled by the pair's price_decimals.
	Decimal bool
}

// Submit gates a manual sample and reports the outcome.
func (a *App) Submit(ctx context.Context, out io.Writer, opts SubmitOptions) error {
	var (
		price uint256.Int
		err   error
	)
	if opts.Decimal {
		price, err = fetcher.PriceFromDecimal(opts.Price, a.priceDecimals(opts.PairID))
	} else {
		price, err = twap.ParsePrice(opts.Price)
	}
	if err != nil {
		return fmt.Errorf("parse price: %w", err)
	}
	sample := twap.Sample{Price: price, Volume: opts.Volume, Tick: opts.Tick}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	receipt, err := a.newService(store, nil).IngestSample(ctx, opts.PairID, sample)
	if err != nil {
		return err
	}
	if receipt.Committed {
		fmt.Fprintf(out, "committed into bucket %d (advanced=%t)\n", receipt.BucketIndex, receipt.Advanced)
		return nil
	}
	fmt.Fprintf(out, "accumulated: %s (volume accumulator %d)\n", receipt.Reason, receipt.Accumulator)
	return nil
}

// UpdatePolicy applies an administrative change to a stored pair.
func (a *App) UpdatePolicy(ctx context.Context, out io.Writer, pairID string, update twap.PolicyUpdate) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := a.newService(store, nil).UpdatePolicy(ctx, pairID, update)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "policy for %s updated: %+v\n", pairID, policy.Params)
	return nil
}

// QuoteReclaim prices a reclaim request against a stored pair.
func (a *App) QuoteReclaim(ctx context.Context, out io.Writer, pairID string, req reclaim.Request) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pair, err := store.LoadPair(ctx, pairID)
	if err != nil {
		return err
	}
	quote, err := reclaim.Quote(&pair.Policy, pair.Store, req)
	if err != nil {
		return err
	}
	decimals := a.priceDecimals(pairID)
	fmt.Fprintf(out, "twap:        %s\n", fetcher.DecimalPrice(&quote.TWAP, decimals))
	fmt.Fprintf(out, "unit price:  %s\n", fetcher.DecimalPrice(&quote.UnitPrice, decimals))
	fmt.Fprintf(out, "amount:      %d (outstanding %d)\n", quote.Amount, quote.Outstanding)
	fmt.Fprintf(out, "total cost:  %s\n", fetcher.DecimalPrice(&quote.Cost, decimals))
	return nil
}
