package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"delta-hedger/internal/errors"
	"delta-hedger/pkg/utils"
)

// WSConfig holds configuration for the snapshot feed client.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	Reconnect        utils.RetryConfig
}

// DefaultWSConfig returns the default feed client configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:              "ws://127.0.0.1:8765/snapshots",
		HandshakeTimeout: 10 * time.Second,
		Reconnect: utils.RetryConfig{
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
		},
	}
}

// FeedMetrics holds counters of the feed client.
type FeedMetrics struct {
	Frames     int64
	BadFrames  int64
	Reconnects int64
}

// WSFeed reads snapshot frames from a websocket and publishes them in order.
type WSFeed struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	book   *PriceBook
	out    chan<- *Snapshot
	logger zerolog.Logger

	frames     atomic.Int64
	badFrames  atomic.Int64
	reconnects atomic.Int64
}

// NewWSFeed creates a feed client that publishes to out.
func NewWSFeed(cfg WSConfig, book *PriceBook, out chan<- *Snapshot, logger zerolog.Logger) *WSFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultWSConfig().HandshakeTimeout
	}
	// Reconnect forever.
	cfg.Reconnect.MaxAttempts = 0
	return &WSFeed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		book:   book,
		out:    out,
		logger: logger.With().Str("component", "feed").Str("url", cfg.URL).Logger(),
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff
// whenever the connection drops.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := utils.Retry(ctx, f.cfg.Reconnect, func() error {
			c, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
			if err != nil {
				f.logger.Warn().Err(err).Msg("Feed connection failed")
				return errors.Wrap(errors.ErrConnectionFailed, err.Error())
			}
			conn = c
			return nil
		})
		if err != nil {
			return ctx.Err()
		}

		f.logger.Info().Msg("Feed connected")
		err = f.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.reconnects.Add(1)
		f.logger.Warn().Err(err).Msg("Feed disconnected, reconnecting")
		if err := utils.Sleep(ctx, f.cfg.Reconnect.InitialDelay); err != nil {
			return err
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			f.badFrames.Add(1)
			f.logger.Warn().Err(err).Msg("Skipping snapshot frame")
			continue
		}

		snap, errs := f.book.Apply(frame)
		for _, e := range errs {
			f.logger.Warn().Err(e).Msg("Skipping option in snapshot")
		}
		f.frames.Add(1)

		select {
		case f.out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Metrics returns the current counters.
func (f *WSFeed) Metrics() FeedMetrics {
	return FeedMetrics{
		Frames:     f.frames.Load(),
		BadFrames:  f.badFrames.Load(),
		Reconnects: f.reconnects.Load(),
	}
}
