package engine

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/KomotsKE/stockMarketProject/pkg/apperr"
	"github.com/KomotsKE/stockMarketProject/pkg/store"
)

// backoff is the retry budget for contended commit units.
var backoff = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}

var tickerRe = regexp.MustCompile(`^[A-Z]{2,10}$`)

// Engine owns the order/balance transaction core. All mutations run as one
// atomic unit per call; correctness under concurrency comes from the store's
// row locks and the canonical lock order, not from serializing the engine.
type Engine struct {
	store    store.Store
	log      *zap.Logger
	validate *validator.Validate
	clock    clock
}

// New builds an engine over a store.
func New(st store.Store, log *zap.Logger) *Engine {
	v := validator.New()
	_ = v.RegisterValidation("ticker", func(fl validator.FieldLevel) bool {
		return tickerRe.MatchString(fl.Field().String())
	})
	return &Engine{store: st, log: log, validate: v}
}

// clock hands out strictly increasing admission timestamps so price-time
// priority never needs the id tie-break in practice.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// withRetry runs one transactional unit, retrying on lock contention with
// bounded backoff. Cancellation is honored between attempts, never after
// locks are held: an attempt always runs to commit or rollback.
func (e *Engine) withRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = e.attempt(ctx, fn)
		if !apperr.Is(err, apperr.Contention) {
			return err
		}
		if attempt >= len(backoff) {
			metrics.GetOrCreateCounter(`engine_retries_exhausted_total`).Inc()
			return err
		}
		metrics.GetOrCreateCounter(`engine_contention_retries_total`).Inc()
		e.log.Debug("retrying contended unit", zap.Int("attempt", attempt+1))
		select {
		case <-time.After(backoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) attempt(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
