package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"twapguard/internal/alerting"
	"twapguard/internal/api"
	"twapguard/internal/config"
	"twapguard/internal/fetcher"
	"twapguard/internal/scheduler"
	"twapguard/internal/service"
	"twapguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func scaleFor(pc config.PairConfig) fetcher.Scale {
	return fetcher.Scale{PriceDecimals: pc.PriceDecimals, VolumeShift: pc.BaseDecimals - pc.VolumeDecimals}
}

func (a *App) newSwap(pc config.PairConfig) *fetcher.Swap {
	return fetcher.NewSwap(fetcher.SwapOptions{
		RPCURL:        a.Config.Ethereum.RPCURL,
		Pool:          common.HexToAddress(pc.PoolAddress).Hex(),
		BaseIsToken0:  pc.BaseIsToken0,
		Scale:         scaleFor(pc),
		Timeout:       a.Config.Ethereum.RequestTimeout,
		MaxBlockRange: a.Config.Ethereum.MaxBlockRange,
		Confirmations: a.Config.Ethereum.Confirmations,
	}, a.Logger)
}

func (a *App) newSource(pc config.PairConfig) (fetcher.SampleSource, error) {
	switch pc.Source {
	case config.SourceSwap:
		return a.newSwap(pc), nil
	case config.SourceCow:
		return fetcher.NewQuote(fetcher.QuoteOptions{
			BaseURL:      a.Config.Cow.BaseURL,
			PriceQuality: a.Config.Cow.PriceQuality,
			Notional:     decimal.NewFromFloat(pc.Notional),
			BaseDecimals: pc.BaseDecimals,
			Scale:        scaleFor(pc),
			Timeout:      a.Config.Cow.RequestTimeout,
			UserAgent:    a.Config.Cow.UserAgent,
			SellToken:    pc.BaseToken,
			BuyToken:     pc.QuoteToken,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("pair %s: unknown source %q", pc.ID, pc.Source)
	}
}

func (a *App) newSources() (map[string]fetcher.SampleSource, error) {
	sources := make(map[string]fetcher.SampleSource, len(a.Config.Pairs))
	for _, pc := range a.Config.Pairs {
		src, err := a.newSource(pc)
		if err != nil {
			return nil, err
		}
		sources[pc.ID] = src
	}
	return sources, nil
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (storage.PairStore, func(), error) {
	store, err := storage.Open(ctx, a.Config)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

// newService builds a service without a scheduler for one-shot commands.
func (a *App) newService(store storage.PairStore, sources map[string]fetcher.SampleSource) *service.Service {
	return service.New(a.Config, nil, store, sources, a.newNotifier(), a.Logger)
}

// Run executes the long-running ingestion service and the query API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sources, err := a.newSources()
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	svc := service.New(a.Config, sched, store, sources, a.newNotifier(), a.Logger)
	if err := svc.EnsurePairs(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Int("pairs", len(a.Config.Pairs)).Str("driver", a.Config.Storage.Driver).Msg("starting ingestion service")
		err := svc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.Config.API.Enabled {
		group.Go(func() error {
			return a.serveAPI(ctx, store)
		})
	}

	if err := group.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

func (a *App) serveAPI(ctx context.Context, store storage.PairStore) error {
	srv := &http.Server{
		Addr:              a.Config.API.Listen,
		Handler:           api.New(store, a.Config.Pairs, a.Logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("listen", srv.Addr).Msg("query api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("query api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.API.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown query api: %w", err)
	}
	a.Logger.Info().Msg("query api stopped")
	return nil
}

// ExportOptions hold parameters for exporting the commit log.
type ExportOptions struct {
	PairID    string
	FromTick  *uint64
	ToTick    *uint64
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	PairID  string
	Commits int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	PairID    string
	FromBlock uint64
	ToBlock   uint64
	DryRun    bool
}
