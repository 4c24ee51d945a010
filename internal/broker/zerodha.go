package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/sync/errgroup"

	"delta-hedger/internal/errors"
	"delta-hedger/internal/logging"
	"delta-hedger/internal/models"
	"delta-hedger/internal/resilience"
)

// OrderClient is the subset of the Kite Connect client used for order routing.
type OrderClient interface {
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
}

// KiteConfig holds configuration for the Kite Connect executor.
type KiteConfig struct {
	APIKey       string
	AccessToken  string
	PollInterval time.Duration
	FillTimeout  time.Duration
	Defaults     OrderDefaults
	Breaker      resilience.CircuitBreakerConfig
}

// NewKiteClient creates an authenticated Kite Connect client.
func NewKiteClient(apiKey, accessToken string) (*kiteconnect.Client, error) {
	if apiKey == "" || accessToken == "" {
		return nil, errors.ErrNotAuthenticated
	}
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	return client, nil
}

// KiteExecutor places market orders through Kite Connect and polls each
// order until it completes.
type KiteExecutor struct {
	client       OrderClient
	pollInterval time.Duration
	fillTimeout  time.Duration
	defaults     OrderDefaults
	breaker      *resilience.CircuitBreaker
	fills        chan<- FillEvent
	track        chan trackedOrder
	logger       zerolog.Logger
}

type trackedOrder struct {
	kind FillKind
	leg  *models.Leg
}

// NewKiteExecutor creates a live executor that reports fills on fills.
func NewKiteExecutor(client OrderClient, cfg KiteConfig, fills chan<- FillEvent, logger zerolog.Logger) *KiteExecutor {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	timeout := cfg.FillTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	defaults := cfg.Defaults
	if defaults.Exchange == "" {
		defaults = DefaultOrderDefaults()
	}

	log := logging.WithComponent(logger, "kite")
	return &KiteExecutor{
		client:       client,
		pollInterval: poll,
		fillTimeout:  timeout,
		defaults:     defaults,
		breaker:      resilience.NewCircuitBreaker("kite-orders", cfg.Breaker, log),
		fills:        fills,
		track:        make(chan trackedOrder, 64),
		logger:       log,
	}
}

// EnterShort places a SELL market order opening a short leg.
func (k *KiteExecutor) EnterShort(ctx context.Context, symbol string, qty int) (*models.Leg, error) {
	return k.enter(ctx, symbol, qty, models.PositionShort)
}

// EnterLong places a BUY market order opening a long leg.
func (k *KiteExecutor) EnterLong(ctx context.Context, symbol string, qty int) (*models.Leg, error) {
	return k.enter(ctx, symbol, qty, models.PositionLong)
}

func (k *KiteExecutor) enter(ctx context.Context, symbol string, qty int, side models.PositionSide) (*models.Leg, error) {
	leg := newLeg(symbol, side, qty, k.defaults)
	if err := k.place(ctx, leg.EntryOrder); err != nil {
		return nil, err
	}
	if err := k.enqueue(ctx, trackedOrder{kind: FillEntry, leg: leg.Clone()}); err != nil {
		return nil, err
	}
	return leg, nil
}

// ExitMarket places a market order closing leg.
func (k *KiteExecutor) ExitMarket(ctx context.Context, leg *models.Leg) error {
	if leg == nil {
		return errors.NewOrderError("", "", "exit", "nil leg", errors.ErrOrderRejected)
	}
	closing := leg.Clone()
	closing.ExitOrder = exitOrder(leg, k.defaults)
	if err := k.place(ctx, closing.ExitOrder); err != nil {
		return err
	}
	return k.enqueue(ctx, trackedOrder{kind: FillExit, leg: closing})
}

func (k *KiteExecutor) place(ctx context.Context, order *models.Order) error {
	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Validity:        order.Validity,
		Tag:             order.Tag,
	}

	start := time.Now()
	resp, err := resilience.ExecuteWithResult(ctx, k.breaker, func() (kiteconnect.OrderResponse, error) {
		return k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	logging.LogAPICall(k.logger, "POST", "/orders/regular", time.Since(start), err)
	if err != nil {
		return errors.NewOrderError("", order.Symbol, string(order.Side), "failed to place order", err)
	}

	order.ID = resp.OrderID
	order.PlacedAt = time.Now()
	logging.LogOrder(k.logger, order.ID, order.Symbol, string(order.Side), "PLACED")
	return nil
}

func (k *KiteExecutor) enqueue(ctx context.Context, t trackedOrder) error {
	select {
	case k.track <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls placed orders until ctx is done.
func (k *KiteExecutor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case t := <-k.track:
				g.Go(func() error {
					return k.await(gctx, t)
				})
			}
		}
	})

	return g.Wait()
}

// await polls the order history of t until it completes, is rejected or
// times out. Only a closed context is returned as an error.
func (k *KiteExecutor) await(ctx context.Context, t trackedOrder) error {
	order := t.leg.EntryOrder
	if t.kind == FillExit {
		order = t.leg.ExitOrder
	}
	log := logging.WithOrderID(logging.WithSymbol(k.logger, order.Symbol), order.ID)

	deadline := time.NewTimer(k.fillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if err := k.cancel(order); err != nil {
				// Still live at the exchange, keep watching it
				log.Error().Err(err).Dur("timeout", k.fillTimeout).Msg("Order not filled before timeout and cancel failed")
				deadline.Reset(k.fillTimeout)
				continue
			}
			order.Status = models.OrderStatusCancelled
			log.Error().Dur("timeout", k.fillTimeout).Msg("Order not filled before timeout, cancelled")
			return sendFill(ctx, k.fills, FillEvent{Kind: t.kind, Leg: t.leg, Rejected: true, Reason: "fill timeout"})
		case <-ticker.C:
		}

		history, err := k.client.GetOrderHistory(order.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch order history")
			continue
		}
		if len(history) == 0 {
			continue
		}

		latest := history[len(history)-1]
		switch latest.Status {
		case models.OrderStatusComplete:
			applyFill(order, latest)
			logging.LogOrder(k.logger, order.ID, order.Symbol, string(order.Side), order.Status)
			return sendFill(ctx, k.fills, FillEvent{Kind: t.kind, Leg: t.leg})
		case models.OrderStatusRejected, models.OrderStatusCancelled:
			order.Status = latest.Status
			log.Error().
				Str("status", latest.Status).
				Str("reason", latest.StatusMessage).
				Msg(fmt.Sprintf("%s order did not fill", t.kind))
			reason := latest.StatusMessage
			if reason == "" {
				reason = latest.Status
			}
			return sendFill(ctx, k.fills, FillEvent{Kind: t.kind, Leg: t.leg, Rejected: true, Reason: reason})
		}
	}
}

func (k *KiteExecutor) cancel(order *models.Order) error {
	start := time.Now()
	_, err := k.client.CancelOrder(kiteconnect.VarietyRegular, order.ID, nil)
	logging.LogAPICall(k.logger, "DELETE", "/orders/regular/"+order.ID, time.Since(start), err)
	return err
}

func applyFill(order *models.Order, o kiteconnect.Order) {
	order.Status = o.Status
	order.FilledQty = int(o.FilledQuantity)
	order.AveragePrice = o.AveragePrice
	order.FilledAt = o.ExchangeTimestamp.Time
	if order.FilledAt.IsZero() {
		order.FilledAt = o.OrderTimestamp.Time
	}
	if order.FilledAt.IsZero() {
		order.FilledAt = time.Now()
	}
}

// BreakerStats returns the counters of the order placement circuit.
func (k *KiteExecutor) BreakerStats() resilience.CircuitBreakerStats {
	return k.breaker.Stats()
}

var _ Runner = (*KiteExecutor)(nil)

// SessionClient is the subset of the Kite Connect client used for login.
type SessionClient interface {
	GetLoginURL() string
	GenerateSession(requestToken, apiSecret string) (kiteconnect.UserSession, error)
}

// CompleteLogin exchanges the request token from the login redirect for an
// access token.
func CompleteLogin(client SessionClient, requestToken, apiSecret string) (kiteconnect.UserSession, error) {
	if requestToken == "" || apiSecret == "" {
		return kiteconnect.UserSession{}, errors.Wrap(errors.ErrNotAuthenticated, "request token and api secret are required")
	}
	session, err := client.GenerateSession(requestToken, apiSecret)
	if err != nil {
		return kiteconnect.UserSession{}, fmt.Errorf("failed to generate session: %w", err)
	}
	if session.AccessToken == "" {
		return kiteconnect.UserSession{}, errors.Wrap(errors.ErrNotAuthenticated, "empty access token")
	}
	return session, nil
}
