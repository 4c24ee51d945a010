package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"delta-hedger/internal/logging"
	"delta-hedger/internal/models"
	"delta-hedger/internal/trading"
	"delta-hedger/pkg/utils"
)

const defaultQueueSize = 64

// Sink forwards trade records and session summaries to the underlying trade
// log and queues a notification for each closed leg and each session summary.
// Delivery happens on Run's goroutine so slow channels never stall the engine.
type Sink struct {
	next     trading.TradeSink
	notifier *MultiNotifier
	queue    chan Notification
	timeout  time.Duration
	logger   zerolog.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewSink wraps next. A queueSize of 0 uses the default.
func NewSink(next trading.TradeSink, notifier *MultiNotifier, queueSize int, logger zerolog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Sink{
		next:     next,
		notifier: notifier,
		queue:    make(chan Notification, queueSize),
		timeout:  15 * time.Second,
		logger:   logging.WithComponent(logger, "notify"),
	}
}

// SaveTrade persists the record and notifies once it is closed.
func (s *Sink) SaveTrade(ctx context.Context, trade models.TradeRecord) error {
	if err := s.next.SaveTrade(ctx, trade); err != nil {
		s.enqueue(ErrorNotification(err, "saving trade "+trade.Instrument))
		return err
	}
	if !trade.IsOpen() {
		s.enqueue(TradeNotification(trade))
	}
	return nil
}

// SaveSession persists the summary and notifies.
func (s *Sink) SaveSession(ctx context.Context, summary models.SessionSummary) error {
	if err := s.next.SaveSession(ctx, summary); err != nil {
		s.enqueue(ErrorNotification(err, "saving session summary"))
		return err
	}
	s.enqueue(SessionNotification(summary))
	return nil
}

// Error queues an error notification.
func (s *Sink) Error(err error, errContext string) {
	s.enqueue(ErrorNotification(err, errContext))
}

func (s *Sink) enqueue(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		s.logger.Warn().Str("title", n.Title).Msg("Notification queue full, dropping")
	}
}

// Run delivers queued notifications until ctx is done, then flushes what is
// left with a short deadline.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return nil
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

// Flush delivers everything still queued.
func (s *Sink) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		default:
			return
		}
	}
}

func (s *Sink) deliver(ctx context.Context, n Notification) {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.notifier.Send(sendCtx, n); err != nil {
		s.failed.Add(1)
		s.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Notification failed")
		return
	}

	evt := s.logger.Debug().Str("type", string(n.Type)).Str("title", n.Title)
	if pnl, ok := n.Data["pnl"].(float64); ok {
		evt = evt.Str("pnl", utils.FormatPnL(pnl))
	}
	evt.Msg("Notification sent")
}

// Dropped returns how many notifications were discarded on a full queue.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Failed returns how many deliveries returned an error.
func (s *Sink) Failed() int64 {
	return s.failed.Load()
}
