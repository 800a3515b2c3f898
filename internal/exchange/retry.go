package exchange

import (
	"context"
	"errors"
	"time"

	"grid-reconciler/internal/models"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds how often a gateway call is retried and how long to wait
// between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// PolicyFromConfig builds a policy from the retry section of the config.
func PolicyFromConfig(cfg models.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
		Jitter:      cfg.Jitter,
	}
}

func (p RetryPolicy) backoff() *backoff.Backoff {
	min, max := p.BaseDelay, p.MaxDelay
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min * 32
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: p.Jitter}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. retryable decides which errors are retried.
// A spent budget is reported as a TransientGatewayError.
func (p RetryPolicy) Do(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := p.backoff()

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return &models.TransientGatewayError{Op: op, Err: errors.Join(err, ctx.Err())}
		case <-time.After(b.Duration()):
		}
	}
	return &models.TransientGatewayError{Op: op, Err: err}
}

// RetryingGateway decorates a Gateway with per-call timeouts, rate limiting and
// a bounded retry policy.
type RetryingGateway struct {
	inner       Gateway
	policy      RetryPolicy
	callTimeout time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewRetryingGateway wraps inner. A zero callTimeout disables the per-call
// timeout; a nil limiter disables throttling.
func NewRetryingGateway(inner Gateway, policy RetryPolicy, callTimeout time.Duration, limiter *rate.Limiter, logger *zap.Logger) *RetryingGateway {
	return &RetryingGateway{inner: inner, policy: policy, callTimeout: callTimeout, limiter: limiter, logger: logger}
}

// NewLimiter builds a limiter allowing perSecond calls with a burst of one.
// Zero or negative means unlimited.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/perSecond)), 1)
}

func (g *RetryingGateway) call(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempt := 0
	return g.policy.Do(ctx, op, retryable, func(ctx context.Context) error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx := ctx
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && retryable(err) && g.logger != nil {
			g.logger.Warn("gateway call failed, will retry",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

// placeRetryable only retries rate limiting: a network error on placement is
// ambiguous and is left to the watchdog.
func placeRetryable(err error) bool {
	return errors.Is(err, models.ErrRateLimited)
}

func (g *RetryingGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error) {
	var id string
	err := g.call(ctx, "place_order", placeRetryable, func(ctx context.Context) error {
		var err error
		id, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

func (g *RetryingGateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	return g.call(ctx, "cancel_order", models.IsTransient, func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, exchangeOrderID)
	})
}

func (g *RetryingGateway) ListOpenOrders(ctx context.Context, pageToken string) (models.OpenOrdersPage, error) {
	var page models.OpenOrdersPage
	err := g.call(ctx, "list_open_orders", models.IsTransient, func(ctx context.Context) error {
		var err error
		page, err = g.inner.ListOpenOrders(ctx, pageToken)
		return err
	})
	return page, err
}

func (g *RetryingGateway) GetBalances(ctx context.Context) (map[string]float64, error) {
	var balances map[string]float64
	err := g.call(ctx, "get_balances", models.IsTransient, func(ctx context.Context) error {
		var err error
		balances, err = g.inner.GetBalances(ctx)
		return err
	})
	return balances, err
}

func (g *RetryingGateway) GetOrder(ctx context.Context, exchangeOrderID string) (*models.ExchangeOrder, error) {
	var order *models.ExchangeOrder
	err := g.call(ctx, "get_order", models.IsTransient, func(ctx context.Context) error {
		var err error
		order, err = g.inner.GetOrder(ctx, exchangeOrderID)
		return err
	})
	return order, err
}

func (g *RetryingGateway) GetPrice(ctx context.Context) (float64, error) {
	var price float64
	err := g.call(ctx, "get_price", models.IsTransient, func(ctx context.Context) error {
		var err error
		price, err = g.inner.GetPrice(ctx)
		return err
	})
	return price, err
}
