package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"delta-hedger/internal/broker"
	"delta-hedger/internal/config"
	"delta-hedger/internal/errors"
	"delta-hedger/internal/feed"
	"delta-hedger/internal/models"
	"delta-hedger/internal/notify"
	"delta-hedger/internal/resilience"
	"delta-hedger/internal/store"
	"delta-hedger/internal/stream"
	"delta-hedger/internal/trading"
	"delta-hedger/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the hedge engine",
		Long: `Connect to the snapshot feed and run the hedge engine until interrupted.

Orders are simulated in paper mode and routed through Kite Connect in live mode.`,
		Example: `  hedger run
  hedger run --paper
  HEDGER_FEED_URL=ws://10.0.0.5:8765/snapshots hedger run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			paper, _ := cmd.Flags().GetBool("paper")
			if paper {
				app.Config.Trading.Mode = "paper"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if app.Config.IsPaperMode() {
				output.Warning("PAPER MODE: orders are simulated")
			} else {
				output.Warning("LIVE MODE: orders are sent to Zerodha")
			}
			output.Info("Feed: %s", app.Config.Feed.URL)

			err := runHedger(ctx, app.Config, app.Logger)
			if err != nil {
				output.Error("Hedger stopped: %v", err)
				return err
			}
			output.Success("Hedger stopped")
			return nil
		},
	}

	cmd.Flags().Bool("paper", false, "force paper trading")
	return cmd
}

// runHedger wires the feed, executor, engine and trade log together and
// blocks until ctx is cancelled or a fatal error occurs.
func runHedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sessionCfg, err := sessionConfig(cfg)
	if err != nil {
		return err
	}
	loc := sessionCfg.Location

	st, err := openStore(cfg, loc)
	if err != nil {
		return err
	}
	defer st.Close()

	book := feed.NewPriceBook(loc)
	snapshots := make(chan *feed.Snapshot, cfg.Feed.SnapshotBuffer)
	fills := make(chan broker.FillEvent, cfg.Executor.FillBuffer)

	executor, err := newExecutor(cfg, book, fills, logger)
	if err != nil {
		return err
	}

	var sink trading.TradeSink = st
	var notifier *notify.Sink
	if cfg.Notify.Enabled {
		mn := notify.NewMultiNotifier(cfg.Notify)
		if mn.HasChannels() {
			notifier = notify.NewSink(st, mn, 0, logger)
			sink = notifier
		} else {
			logger.Warn().Msg("Notifications enabled but no channel is configured")
		}
	}

	engine := trading.NewEngine(engineConfig(cfg), trading.NewSessionManager(sessionCfg), executor, sink, logger)
	loop := stream.NewLoop(stream.DefaultLoopConfig(), engine, snapshots, fills, logger)
	ws := feed.NewWSFeed(feedConfig(cfg), book, snapshots, logger)

	logger.Info().
		Str("mode", cfg.Trading.Mode).
		Str("entry", cfg.Hedge.EntryTime).
		Str("exit", cfg.Hedge.ExitTime).
		Int("quantity", cfg.Quantity()).
		Msg("Starting hedger")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return executor.Run(gctx) })
	g.Go(func() error { return ws.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && notifier != nil {
		notifier.Error(err, "hedger stopped")
		notifier.Flush()
	}

	m := loop.GetMetrics()
	fm := ws.Metrics()
	logger.Info().
		Uint64("ticks", m.Ticks).
		Uint64("entry_fills", m.EntryFills).
		Uint64("exit_fills", m.ExitFills).
		Uint64("rejections", m.Rejections).
		Int64("bad_frames", fm.BadFrames).
		Int64("reconnects", fm.Reconnects).
		Str("state", engine.State().String()).
		Int("open_legs", engine.Ledger().OpenCount()).
		Msg("Hedger stopped")

	if kite, ok := executor.(*broker.KiteExecutor); ok {
		bs := kite.BreakerStats()
		logger.Info().
			Str("circuit", bs.Name).
			Str("state", string(bs.State)).
			Int64("requests", bs.TotalRequests).
			Int64("rejected", bs.TotalRejected).
			Float64("failure_rate", bs.FailureRate()).
			Msg("Order circuit summary")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(cfg *config.Config, loc *time.Location) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating trade log directory")
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path, loc)
	if err != nil {
		return nil, errors.Wrap(err, "opening trade log")
	}
	return st, nil
}

func newExecutor(cfg *config.Config, book *feed.PriceBook, fills chan<- broker.FillEvent, logger zerolog.Logger) (broker.Runner, error) {
	defaults := broker.OrderDefaults{
		Exchange: models.Exchange(cfg.Trading.Exchange),
		Product:  models.ProductType(cfg.Trading.Product),
		Tag:      "hedger",
	}

	if cfg.IsPaperMode() {
		return broker.NewPaperExecutor(broker.PaperConfig{
			Prices:   book,
			Clock:    book.Time,
			Defaults: defaults,
		}, fills, logger), nil
	}

	z := cfg.Credentials.Zerodha
	client, err := broker.NewKiteClient(z.APIKey, z.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "run 'hedger login' first")
	}
	return broker.NewKiteExecutor(client, broker.KiteConfig{
		APIKey:       z.APIKey,
		AccessToken:  z.AccessToken,
		PollInterval: cfg.Executor.PollInterval,
		FillTimeout:  cfg.Executor.FillTimeout,
		Defaults:     defaults,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Executor.CircuitFailures,
			Cooldown:         cfg.Executor.CircuitCooldown,
		},
	}, fills, logger), nil
}

func sessionConfig(cfg *config.Config) (trading.SessionConfig, error) {
	entry, err := models.ParseTimeOfDay(cfg.Hedge.EntryTime)
	if err != nil {
		return trading.SessionConfig{}, err
	}
	exit, err := models.ParseTimeOfDay(cfg.Hedge.ExitTime)
	if err != nil {
		return trading.SessionConfig{}, err
	}
	mode, err := cfg.ExpiryMode()
	if err != nil {
		return trading.SessionConfig{}, err
	}
	holidays, err := cfg.HolidayDates()
	if err != nil {
		return trading.SessionConfig{}, err
	}

	expiry := trading.ExpiryWeekly
	if mode == config.ExpiryMonthly {
		expiry = trading.ExpiryMonthly
	}

	return trading.SessionConfig{
		EntryTime:     entry,
		ExitTime:      exit,
		Expiry:        expiry,
		ExpiryWeekday: cfg.ExpiryWeekday(),
		Location:      cfg.Location(),
		Holidays:      holidays,
	}, nil
}

func engineConfig(cfg *config.Config) trading.EngineConfig {
	return trading.EngineConfig{
		Quantity:              cfg.Quantity(),
		InitialDelta:          cfg.Hedge.InitialDelta,
		DeltaThreshold:        cfg.Hedge.DeltaThreshold,
		PortfolioStopLoss:     cfg.Hedge.PortfolioStopLoss,
		VegaAdjustmentTrigger: cfg.Hedge.VegaAdjustmentTrigger,
		VegaTargetDelta:       cfg.Hedge.VegaTargetDelta,
		MinInstruments:        cfg.Hedge.MinInstruments,
	}
}

func feedConfig(cfg *config.Config) feed.WSConfig {
	return feed.WSConfig{
		URL:              cfg.Feed.URL,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		Reconnect: utils.RetryConfig{
			InitialDelay:  cfg.Feed.ReconnectInitial,
			MaxDelay:      cfg.Feed.ReconnectMax,
			BackoffFactor: 2.0,
		},
	}
}
