package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"twapguard/internal/config"
	"twapguard/internal/reclaim"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Driver: config.DriverBadger,
			Badger: config.BadgerConfig{Path: filepath.Join(t.TempDir(), "badger")},
		},
		Policy: config.PolicyConfig{
			MinUpdateInterval:           1,
			MaxUpdatesPerHour:           100,
			MinVolumeThreshold:          1,
			EmergencyUpdateThresholdBps: 1000,
			MaxEmergencyUpdatesPerHour:  2,
			BucketCount:                 4,
			BucketDurationTicks:         1,
			BuybackDiscountBps:          500,
			MaxBuybackAmount:            1000,
			AdvanceMode:                 string(twap.AdvanceAbsolute),
		},
		Pairs: []config.PairConfig{{
			ID:            "frac-usdc",
			BaseAsset:     "FRAC",
			QuoteAsset:    "USDC",
			Source:        config.SourceSwap,
			PoolAddress:   "0x0000000000000000000000000000000000000001",
			PriceDecimals: 2,
		}},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestInitSubmitAndQuote(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	if err := a.InitPair(ctx, &out, InitPairOptions{PairID: "frac-usdc"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := a.InitPair(ctx, &out, InitPairOptions{PairID: "frac-usdc"}); err == nil {
		t.Fatal("second init should fail")
	}

	if err := a.Submit(ctx, &out, SubmitOptions{PairID: "frac-usdc", Price: "10", Decimal: true, Volume: 10, Tick: 10}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.Submit(ctx, &out, SubmitOptions{PairID: "frac-usdc", Price: "2000", Volume: 30, Tick: 20}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.Submit(ctx, &out, SubmitOptions{PairID: "frac-usdc", Price: "2000", Volume: 0, Tick: 30}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out.String(), "accumulated: "+twap.ReasonEmptySample) {
		t.Fatalf("gate reason missing from output: %s", out.String())
	}

	out.Reset()
	if err := a.QuoteReclaim(ctx, &out, "frac-usdc", reclaim.Request{Amount: 10, HolderBalance: 90, Supply: 100}); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !strings.Contains(out.String(), "unit price:  16.62") || !strings.Contains(out.String(), "total cost:  166.2") {
		t.Fatalf("quote output: %s", out.String())
	}

	discount := uint16(0)
	if err := a.UpdatePolicy(ctx, &out, "frac-usdc", twap.PolicyUpdate{BuybackDiscountBps: &discount}); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	out.Reset()
	if err := a.QuoteReclaim(ctx, &out, "frac-usdc", reclaim.Request{Amount: 10, HolderBalance: 90, Supply: 100}); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !strings.Contains(out.String(), "unit price:  17.5") {
		t.Fatalf("quote after policy update: %s", out.String())
	}
}

func TestExportCSV(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	var out bytes.Buffer
	if err := a.InitPair(ctx, &out, InitPairOptions{PairID: "frac-usdc"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i, price := range []string{"1000", "1100", "1200"} {
		if err := a.Submit(ctx, &out, SubmitOptions{PairID: "frac-usdc", Price: price, Volume: 5, Tick: uint64(10 * (i + 1))}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "out", "commits.csv")
	from := uint64(15)
	if err := a.Export(ctx, ExportOptions{PairID: "frac-usdc", FromTick: &from, CSVPath: path}); err != nil {
		t.Fatalf("export: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[1][1] != "20" || rows[1][4] != "11" || rows[2][3] != "1200" {
		t.Fatalf("rows = %v", rows)
	}

	if err := a.Export(ctx, ExportOptions{PairID: "frac-usdc"}); err == nil {
		t.Fatal("export without outputs should fail")
	}
}

func TestDownsampleCommits(t *testing.T) {
	commits := make([]storage.CommitRecord, 10)
	for i := range commits {
		commits[i].Tick = uint64(i)
	}
	got := downsampleCommits(commits, 4)
	if len(got) != 4 || got[0].Tick != 0 || got[3].Tick != 9 {
		t.Fatalf("downsampled = %+v", got)
	}
	if got := downsampleCommits(commits, 1); len(got) != 1 || got[0].Tick != 9 {
		t.Fatalf("single point should be the latest commit, got %+v", got)
	}
	if got := downsampleCommits(commits, 0); len(got) != 10 {
		t.Fatalf("zero limit should keep everything")
	}
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a := newTestApp(t)
	if err := a.SimulateAlert(context.Background(), "frac-usdc", decimal.RequireFromString("10"), decimal.RequireFromString("12")); err == nil {
		t.Fatal("simulate should fail when alerting is disabled")
	}

	a.Config.Alerting.Enabled = true
	if err := a.SimulateAlert(context.Background(), "frac-usdc", decimal.RequireFromString("10"), decimal.RequireFromString("12")); err != nil {
		t.Fatalf("20%% move should raise an alert: %v", err)
	}
	if err := a.SimulateAlert(context.Background(), "frac-usdc", decimal.RequireFromString("10"), decimal.RequireFromString("10.5")); err == nil {
		t.Fatal("5% move should stay below the emergency threshold")
	}
}
