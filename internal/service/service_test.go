package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"twapguard/internal/alerting"
	"twapguard/internal/config"
	"twapguard/internal/fetcher"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

type fakeSource struct {
	samples []twap.Sample
	next    fetcher.Cursor
	err     error
	seen    []fetcher.Cursor
}

func (f *fakeSource) FetchSamples(ctx context.Context, cursor fetcher.Cursor) ([]twap.Sample, fetcher.Cursor, error) {
	f.seen = append(f.seen, cursor)
	if f.err != nil {
		return nil, cursor, f.err
	}
	return f.samples, f.next, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pairs: []config.PairConfig{{
			ID:            "weth-usdc",
			BaseAsset:     "WETH",
			QuoteAsset:    "USDC",
			Source:        config.SourceSwap,
			StartBlock:    100,
			PriceDecimals: 2,
		}},
		Policy: config.PolicyConfig{
			MinUpdateInterval:           1,
			MaxUpdatesPerHour:           100,
			MinVolumeThreshold:          1,
			EmergencyUpdateThresholdBps: 1000,
			MaxEmergencyUpdatesPerHour:  1,
			BucketCount:                 4,
			BucketDurationTicks:         3600,
			BuybackDiscountBps:          500,
			MaxBuybackAmount:            1000,
			AdvanceMode:                 string(twap.AdvanceAbsolute),
		},
		Alerting: config.AlertingConfig{Enabled: true, Channels: []string{"telegram"}},
	}
}

func newTestService(t *testing.T, source fetcher.SampleSource) (*Service, storage.PairStore, *recordingNotifier) {
	t.Helper()
	store, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	notifier := &recordingNotifier{}
	sources := map[string]fetcher.SampleSource{"weth-usdc": source}
	svc := New(testConfig(), nil, store, sources, notifier, zerolog.Nop())
	if err := svc.EnsurePairs(context.Background()); err != nil {
		t.Fatalf("ensure pairs: %v", err)
	}
	return svc, store, notifier
}

func TestProcessPairCommitsAndAlerts(t *testing.T) {
	source := &fakeSource{
		samples: []twap.Sample{
			twap.NewSample(1000, 5, 101),
			twap.NewSample(1200, 5, 102),
			twap.NewSample(1500, 5, 103),
		},
		next: 104,
	}
	svc, store, notifier := newTestService(t, source)
	ctx := context.Background()

	out, err := svc.ProcessPair(ctx, "weth-usdc")
	if err != nil {
		t.Fatalf("process pair: %v", err)
	}
	if out.Committed != 3 || out.Emergencies != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(source.seen) != 1 || source.seen[0] != 100 {
		t.Fatalf("source should resume from start block, saw %v", source.seen)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("expected one alert within the hourly allowance, got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.ChangeBps != 2000 || note.PreviousPrice.String() != "10" || note.CurrentPrice.String() != "12" || note.Direction() != "up" {
		t.Fatalf("unexpected notification: %+v", note)
	}
	if note.TWAP != "15" {
		t.Fatalf("notification twap = %q", note.TWAP)
	}

	pair, err := store.LoadPair(ctx, "weth-usdc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pair.Cursor != 104 || pair.Commits != 3 || pair.Emergency.Count != 1 {
		t.Fatalf("pair state: cursor %d commits %d emergency %+v", pair.Cursor, pair.Commits, pair.Emergency)
	}

	recent, err := store.ListRecentCommits(ctx, "weth-usdc", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || !recent[0].Emergency || !recent[1].Emergency || recent[2].Emergency {
		t.Fatalf("emergency flags wrong: %+v", recent)
	}
}

func TestProcessPairKeepsCursorOnFetchError(t *testing.T) {
	source := &fakeSource{err: errors.New("rpc down")}
	svc, store, _ := newTestService(t, source)

	if _, err := svc.ProcessPair(context.Background(), "weth-usdc"); err == nil {
		t.Fatal("fetch error should surface")
	}
	pair, err := store.LoadPair(context.Background(), "weth-usdc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pair.Cursor != 100 {
		t.Fatalf("cursor moved to %d", pair.Cursor)
	}
}

func TestProcessRoundReportsUnknownSource(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSource{next: 100})
	svc.sources = map[string]fetcher.SampleSource{}
	if err := svc.ProcessRound(context.Background(), 0, testSlot()); err == nil {
		t.Fatal("missing source should fail the round")
	}
}

func testSlot() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestIngestSampleReportsGateReason(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSource{})
	ctx := context.Background()

	receipt, err := svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1000, 0, 10))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if receipt.Committed || receipt.Reason != twap.ReasonEmptySample {
		t.Fatalf("receipt = %+v", receipt)
	}

	if receipt, err = svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1000, 5, 10)); err != nil || !receipt.Committed {
		t.Fatalf("commit: %+v %v", receipt, err)
	}
	if _, err := svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1000, 5, 9)); !errors.Is(err, twap.ErrArithmeticOverflow) {
		t.Fatalf("tick regression should fail, got %v", err)
	}
	if _, err := svc.IngestSample(ctx, "missing", twap.NewSample(1000, 5, 11)); !errors.Is(err, storage.ErrPairNotFound) {
		t.Fatalf("unknown pair should fail, got %v", err)
	}
}

func TestIngestBatchSkipsStaleSamples(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSource{})
	ctx := context.Background()
	if _, err := svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1000, 5, 50)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cursor := uint64(60)
	out, err := svc.IngestBatch(ctx, "weth-usdc", []twap.Sample{twap.NewSample(1000, 5, 40), twap.NewSample(1010, 5, 55)}, &cursor)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if out.Stale != 1 || out.Committed != 1 || out.Pair.Cursor != 60 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestUpdatePolicy(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeSource{})
	ctx := context.Background()
	if _, err := svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1000, 5, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := svc.UpdatePolicy(ctx, "weth-usdc", twap.PolicyUpdate{}); !errors.Is(err, twap.ErrInvalidPolicy) {
		t.Fatalf("empty update should fail, got %v", err)
	}
	bad := uint16(twap.BasisPoints + 1)
	if _, err := svc.UpdatePolicy(ctx, "weth-usdc", twap.PolicyUpdate{BuybackDiscountBps: &bad}); !errors.Is(err, twap.ErrInvalidPolicy) {
		t.Fatalf("invalid discount should fail, got %v", err)
	}

	minChange := uint16(500)
	policy, err := svc.UpdatePolicy(ctx, "weth-usdc", twap.PolicyUpdate{MinPriceChangeBps: &minChange})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if policy.MinPriceChangeBps != 500 {
		t.Fatalf("policy = %+v", policy)
	}

	receipt, err := svc.IngestSample(ctx, "weth-usdc", twap.NewSample(1010, 5, 20))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if receipt.Committed || receipt.Reason != twap.ReasonPrice {
		t.Fatalf("1%% move should be gated by the new threshold: %+v", receipt)
	}
}

func TestEnsurePairsIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeSource{})
	if err := svc.EnsurePairs(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	pairs, err := store.ListPairs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Store.Base() != "WETH" {
		t.Fatalf("pairs = %+v", pairs)
	}
}
