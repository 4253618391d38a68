// Package ratelimit bounds how many outbound upstream calls may start
// within a fixed window. One Limiter is shared process-wide by every
// caller kind; token exchanges and data calls compete equally.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ostrom_rate_budget_exhausted_total",
		Help: "Times the outbound rate budget reached zero.",
	})
	restoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ostrom_rate_budget_restored_total",
		Help: "Times a refill restored a previously exhausted budget.",
	})
	remainingTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ostrom_rate_budget_remaining",
		Help: "Tokens left in the current rate window.",
	})
)

// Limiter is a fixed-window rate limiter: the budget resets to full
// capacity every window, independent of when tokens were consumed.
// Callers that find the budget empty block in FIFO order until the
// next refill rather than failing.
type Limiter struct {
	capacity int
	window   time.Duration
	tokens   chan struct{}
	logger   *logrus.Logger

	mu        sync.Mutex
	exhausted bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts its refill tick.
func New(capacity int, window time.Duration, logger *logrus.Logger) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		tokens:   make(chan struct{}, capacity),
		logger:   logger,
		done:     make(chan struct{}),
	}
	l.refill()
	go l.loop()
	return l
}

// Acquire blocks until a token is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.tokens:
	default:
		// Budget empty right now; wait for the next refill.
		select {
		case <-l.tokens:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	remainingTokens.Set(float64(len(l.tokens)))

	l.mu.Lock()
	if len(l.tokens) == 0 && !l.exhausted {
		l.exhausted = true
		exhaustedTotal.Inc()
		l.logger.WithFields(logrus.Fields{
			"capacity": l.capacity,
			"window":   l.window.String(),
		}).Warn("rate budget exhausted, further calls will queue")
	}
	l.mu.Unlock()
	return nil
}

// Do acquires a token and then runs op.
func (l *Limiter) Do(ctx context.Context, op func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return op()
}

// Stop halts the refill tick. Blocked Acquire calls stay blocked until
// their context is cancelled.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) loop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.refill()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) refill() {
	for i := len(l.tokens); i < l.capacity; i++ {
		select {
		case l.tokens <- struct{}{}:
		default:
		}
	}
	remainingTokens.Set(float64(len(l.tokens)))

	l.mu.Lock()
	if l.exhausted {
		l.exhausted = false
		restoredTotal.Inc()
		l.logger.WithField("capacity", l.capacity).Info("rate budget restored to full")
	}
	l.mu.Unlock()
}
