package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"twapguard/internal/alerting"
	"twapguard/internal/config"
	"twapguard/internal/fetcher"
	"twapguard/internal/scheduler"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

// Service orchestrates sample ingestion, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	store     storage.PairStore
	sources   map[string]fetcher.SampleSource
	pairs     []config.PairConfig
	params    twap.Params
	notifier  alerting.Notifier
	logger    zerolog.Logger

	channels []string
	alertsOn bool
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// New constructs the ingestion service. sources is keyed by pair id.
func New(cfg *config.Config, sched *scheduler.Scheduler, store storage.PairStore, sources map[string]fetcher.SampleSource, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		store:     store,
		sources:   sources,
		pairs:     cfg.Pairs,
		params:    cfg.PolicyParams(),
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Outcome summarises one batch of samples applied to a pair.
type Outcome struct {
	PairID      string
	Submitted   int
	Committed   int
	Accumulated int
	Stale       int
	Emergencies int
	Reasons     map[string]int
	Last        twap.Receipt
	Pair        storage.Pair
}

type emergency struct {
	tick      uint64
	previous  uint256.Int
	current   uint256.Int
	changeBps uint64
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessRound)
}

// EnsurePairs creates every configured pair that has no stored state yet.
func (s *Service) EnsurePairs(ctx context.Context) error {
	for _, pc := range s.pairs {
		_, err := s.CreatePair(ctx, pc.ID, pc.BaseAsset, pc.QuoteAsset, s.params, pc.StartBlock)
		if errors.Is(err, storage.ErrPairExists) {
			s.logger.Debug().Str("pair", pc.ID).Msg("pair already initialised")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CreatePair stores a fresh pair with an empty ring.
func (s *Service) CreatePair(ctx context.Context, id, base, quote string, params twap.Params, cursor uint64) (storage.Pair, error) {
	pair, err := storage.NewPair(id, base, quote, params, cursor)
	if err != nil {
		return storage.Pair{}, fmt.Errorf("build pair %s: %w", id, err)
	}
	if err := s.store.CreatePair(ctx, pair); err != nil {
		return storage.Pair{}, fmt.Errorf("create pair %s: %w", id, err)
	}
	s.logger.Info().Str("pair", id).
		Uint32("bucket_count", params.BucketCount).
		Uint64("cursor", cursor).
		Msg("pair created")
	return pair, nil
}

// ProcessRound polls every configured pair once.
func (s *Service) ProcessRound(ctx context.Context, round int, slot time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Int("round", round).Msg("skip round because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	for _, pc := range s.pairs {
		if _, err := s.ProcessPair(ctx, pc.ID); err != nil {
			s.logger.Error().Err(err).Str("pair", pc.ID).Time("slot", slot).Msg("pair round failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessPair fetches new samples from the pair's source and applies them.
// The source cursor only moves forward when the batch is persisted.
func (s *Service) ProcessPair(ctx context.Context, id string) (Outcome, error) {
	source, ok := s.sources[id]
	if !ok {
		return Outcome{}, fmt.Errorf("no sample source for pair %s", id)
	}
	pair, err := s.store.LoadPair(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load pair %s: %w", id, err)
	}
	samples, next, err := source.FetchSamples(ctx, fetcher.Cursor(pair.Cursor))
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch samples for %s: %w", id, err)
	}
	cursor := uint64(next)
	return s.apply(ctx, id, samples, &cursor, true)
}

// IngestSample gates a single sample against the stored pair. Gate
// rejections are reported in the receipt, not as errors.
func (s *Service) IngestSample(ctx context.Context, id string, sample twap.Sample) (twap.Receipt, error) {
	out, err := s.apply(ctx, id, []twap.Sample{sample}, nil, false)
	if err != nil {
		return twap.Receipt{}, err
	}
	return out.Last, nil
}

// IngestBatch applies samples in order and optionally moves the source cursor.
func (s *Service) IngestBatch(ctx context.Context, id string, samples []twap.Sample, cursor *uint64) (Outcome, error) {
	return s.apply(ctx, id, samples, cursor, true)
}

// UpdatePolicy applies an administrative policy change.
func (s *Service) UpdatePolicy(ctx context.Context, id string, update twap.PolicyUpdate) (twap.Policy, error) {
	if update.Empty() {
		return twap.Policy{}, fmt.Errorf("%w: empty policy update", twap.ErrInvalidPolicy)
	}
	pair, err := s.store.UpdatePair(ctx, id, func(p *storage.Pair) ([]storage.CommitRecord, error) {
		return nil, p.Policy.Apply(update)
	})
	if err != nil {
		return twap.Policy{}, fmt.Errorf("update policy %s: %w", id, err)
	}
	s.logger.Info().Str("pair", id).Msg("policy updated")
	return pair.Policy, nil
}

func (s *Service) apply(ctx context.Context, id string, samples []twap.Sample, cursor *uint64, skipStale bool) (Outcome, error) {
	var (
		out    Outcome
		alerts []emergency
	)
	pair, err := s.store.UpdatePair(ctx, id, func(p *storage.Pair) ([]storage.CommitRecord, error) {
		// Badger may rerun the mutation on conflict.
		out = Outcome{PairID: id, Reasons: make(map[string]int)}
		alerts = alerts[:0]

		var commits []storage.CommitRecord
		for _, sample := range samples {
			if skipStale && sample.Tick < p.Policy.LastUpdateTick {
				out.Stale++
				continue
			}
			previous := p.Store.LastCommittedPrice()
			receipt, err := twap.Submit(p.Store, &p.Policy, sample)
			if err != nil {
				return nil, fmt.Errorf("submit sample at tick %d: %w", sample.Tick, err)
			}
			out.Submitted++
			out.Last = receipt

			flagged, alert := detectEmergency(p, sample, &previous)
			if alert != nil {
				alerts = append(alerts, *alert)
			}
			if !receipt.Committed {
				out.Accumulated++
				out.Reasons[receipt.Reason]++
				continue
			}

			snapshot, err := p.Store.TWAP()
			if err != nil {
				snapshot = twap.NoData()
			}
			out.Committed++
			commits = append(commits, storage.CommitRecord{
				Tick:        sample.Tick,
				BucketIndex: receipt.BucketIndex,
				Price:       sample.Price,
				Volume:      sample.Volume,
				TWAP:        snapshot,
				Advanced:    receipt.Advanced,
				Emergency:   flagged,
				CreatedAt:   time.Now().UTC(),
			})
		}
		if cursor != nil {
			p.Cursor = *cursor
		}
		return commits, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Pair = pair
	out.Emergencies = len(alerts)

	s.logOutcome(out)
	for _, alert := range alerts {
		s.dispatch(ctx, pair, alert)
	}
	return out, nil
}

// detectEmergency flags moves beyond the emergency threshold and reserves an
// alert slot when the pair's hourly allowance is not used up.
func detectEmergency(p *storage.Pair, sample twap.Sample, previous *uint256.Int) (bool, *emergency) {
	if sample.Price.IsZero() || previous.IsZero() {
		return false, nil
	}
	needs, err := p.Policy.NeedsEmergencyUpdate(&sample.Price, previous)
	if err != nil || !needs {
		return false, nil
	}
	if !p.Emergency.Allow(sample.Tick, p.Policy.MaxEmergencyUpdatesPerHour) {
		return true, nil
	}
	bps, err := twap.ChangeBps(&sample.Price, previous)
	if err != nil {
		return true, nil
	}
	change := ^uint64(0)
	if bps.IsUint64() {
		change = bps.Uint64()
	}
	return true, &emergency{tick: sample.Tick, previous: *previous, current: sample.Price, changeBps: change}
}

func (s *Service) logOutcome(out Outcome) {
	if out.Committed > 0 {
		last := out.Pair.Store.LastCommittedPrice()
		agg, _ := out.Pair.Store.TWAP()
		s.logger.Info().Str("pair", out.PairID).
			Int("committed", out.Committed).
			Uint64("tick", out.Pair.Policy.LastUpdateTick).
			Str("price", last.Dec()).
			Str("twap", agg.String()).
			Uint32("bucket", out.Pair.Store.CurrentIndex()).
			Msg("sample committed")
	}
	if out.Accumulated > 0 {
		s.logger.Debug().Str("pair", out.PairID).
			Int("accumulated", out.Accumulated).
			Interface("reasons", out.Reasons).
			Uint64("volume_accumulator", out.Pair.Store.VolumeAccumulator()).
			Msg("sample accumulated")
	}
	if out.Stale > 0 {
		s.logger.Warn().Str("pair", out.PairID).Int("stale", out.Stale).Msg("dropped samples older than the last commit")
	}
}

func (s *Service) dispatch(ctx context.Context, pair storage.Pair, alert emergency) {
	decimals := s.priceDecimals(pair.ID)
	agg, _ := pair.Store.TWAP()
	note := alerting.Notification{
		PairID:        pair.ID,
		Base:          pair.Store.Base(),
		Quote:         pair.Store.Quote(),
		Tick:          alert.tick,
		At:            time.Now().UTC(),
		PreviousPrice: fetcher.DecimalPrice(&alert.previous, decimals),
		CurrentPrice:  fetcher.DecimalPrice(&alert.current, decimals),
		ChangeBps:     alert.changeBps,
		ThresholdBps:  uint64(pair.Policy.EmergencyUpdateThresholdBps),
		Channels:      s.channels,
	}
	if v, ok := agg.Value(); ok {
		note.TWAP = fetcher.DecimalPrice(&v, decimals).String()
	}

	s.logger.Warn().Str("pair", pair.ID).
		Uint64("tick", alert.tick).
		Uint64("change_bps", alert.changeBps).
		Str("direction", note.Direction()).
		Msg("emergency price move")

	if !s.alertsOn || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("pair", pair.ID).Uint64("tick", alert.tick).Msg("failed to dispatch alert")
	}
}

func (s *Service) priceDecimals(id string) int32 {
	for _, pc := range s.pairs {
		if pc.ID == id {
			return pc.PriceDecimals
		}
	}
	return 0
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
