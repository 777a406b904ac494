package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"twapguard/internal/config"
	"twapguard/internal/fetcher"
	"twapguard/internal/service"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

// SimulateAlert 通过给定的前后价格在内存存储上模拟一次紧急告警流程。
func (a *App) SimulateAlert(ctx context.Context, pairID string, previous, current decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	pc, ok := a.Config.Pair(pairID)
	if !ok {
		pc = config.PairConfig{ID: pairID, BaseAsset: "BASE", QuoteAsset: "QUOTE"}
	}
	prev, err := fetcher.PriceFromDecimal(previous.String(), pc.PriceDecimals)
	if err != nil {
		return fmt.Errorf("previous price: %w", err)
	}
	cur, err := fetcher.PriceFromDecimal(current.String(), pc.PriceDecimals)
	if err != nil {
		return fmt.Errorf("current price: %w", err)
	}

	store, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true})
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := *a.Config
	cfg.Pairs = []config.PairConfig{pc}
	source := &staticSource{samples: []twap.Sample{
		{Price: prev, Volume: 1, Tick: 1},
		{Price: cur, Volume: 1, Tick: 2},
	}}
	svc := service.New(&cfg, nil, store, map[string]fetcher.SampleSource{pairID: source}, a.newNotifier(), a.Logger)

	// Open every gate so both samples commit; only the emergency threshold matters here.
	params := cfg.PolicyParams()
	params.MinUpdateInterval = 0
	params.MinVolumeThreshold = 1
	params.MinPriceChangeBps = 0
	params.MaxUpdatesPerHour = math.MaxUint32
	if params.MaxEmergencyUpdatesPerHour == 0 {
		params.MaxEmergencyUpdatesPerHour = 1
	}
	if _, err := svc.CreatePair(ctx, pairID, pc.BaseAsset, pc.QuoteAsset, params, 0); err != nil {
		return err
	}

	out, err := svc.ProcessPair(ctx, pairID)
	if err != nil {
		return err
	}
	if out.Emergencies == 0 {
		return fmt.Errorf("价格变动未达到紧急阈值 %d bps", params.EmergencyUpdateThresholdBps)
	}
	return nil
}

type staticSource struct {
	samples []twap.Sample
}

func (s *staticSource) FetchSamples(ctx context.Context, cursor fetcher.Cursor) ([]twap.Sample, fetcher.Cursor, error) {
	return s.samples, cursor, nil
}

var _ fetcher.SampleSource = (*staticSource)(nil)
