// Package device ties one contract's components together: activation
// with backfill, the hourly refresh cycle and its timer.
package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/meter"
	"github.com/LRuesink-WebArray/ostrom/internal/ostrom"
	"github.com/LRuesink-WebArray/ostrom/internal/pricing"
	"github.com/LRuesink-WebArray/ostrom/internal/store"
	"github.com/LRuesink-WebArray/ostrom/internal/triggers"
)

// Upstream is the slice of the API client the session drives directly.
type Upstream interface {
	SpotPrices(ctx context.Context, start, end time.Time, zip string) ([]pricing.PricePoint, error)
	Contracts(ctx context.Context) ([]ostrom.Contract, error)
}

// Snapshot is the per-cycle state published to the automation host.
type Snapshot struct {
	CurrentPrice  float64   `json:"currentPrice"`
	LowestPrice   float64   `json:"lowestPrice"`
	HighestPrice  float64   `json:"highestPrice"`
	AveragePrice  float64   `json:"averagePrice"`
	CumulativeKwh float64   `json:"cumulativeKwh"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Config is the static identity of the session.
type Config struct {
	DeviceID   string
	ContractID string
	ZipCode    string
	// JitterMax bounds the random offset added to each reschedule so
	// concurrently scheduled devices do not hit the upstream in step.
	JitterMax time.Duration
}

// Session is one device instance: a single logical thread of control
// whose cycles never overlap. A new timer is armed only after the
// previous cycle fully completed.
type Session struct {
	cfg        Config
	client     Upstream
	sync       *meter.Synchronizer
	engine     *triggers.Engine
	dispatcher triggers.Dispatcher
	store      store.DeviceStore
	logger     *logrus.Logger
	wg         *sync.WaitGroup

	mu       sync.Mutex
	snapshot *Snapshot
	series   *pricing.Series
	seriesAt time.Time

	now func() time.Time
}

func NewSession(cfg Config, client Upstream, syncer *meter.Synchronizer, engine *triggers.Engine, dispatcher triggers.Dispatcher, st store.DeviceStore, logger *logrus.Logger) *Session {
	return &Session{
		cfg:        cfg,
		client:     client,
		sync:       syncer,
		engine:     engine,
		dispatcher: dispatcher,
		store:      st,
		logger:     logger,
		wg:         &sync.WaitGroup{},
		now:        time.Now,
	}
}

// Start activates the device and launches the cycle loop. Activation
// failures abort initialization entirely; no partial state is kept.
func (s *Session) Start(ctx context.Context) error {
	if err := s.activate(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Wait blocks until the cycle loop has exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// activate loads persisted state, backfilling from contract start on
// first activation.
func (s *Session) activate(ctx context.Context) error {
	_, err := s.store.Load(ctx, s.cfg.DeviceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading device state: %w", err)
	}

	contract, err := s.findContract(ctx)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"device":   s.cfg.DeviceID,
		"contract": contract.ID,
		"start":    contract.StartDate.Format(time.RFC3339),
	}).Info("first activation, backfilling consumption")

	if _, err := s.sync.Backfill(ctx, contract.StartDate); err != nil {
		return fmt.Errorf("device activation: %w", err)
	}
	return nil
}

func (s *Session) findContract(ctx context.Context) (*ostrom.Contract, error) {
	contracts, err := s.client.Contracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contracts: %w", err)
	}
	for i := range contracts {
		if contracts[i].ID == s.cfg.ContractID {
			return &contracts[i], nil
		}
	}
	return nil, fmt.Errorf("contract %q not found", s.cfg.ContractID)
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()

	s.runCycle(ctx)

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.runCycle(ctx)
			timer.Reset(s.nextDelay())
		case <-ctx.Done():
			return
		}
	}
}

// nextDelay is the time until the next top-of-hour boundary plus a
// bounded uniformly-random jitter.
func (s *Session) nextDelay() time.Duration {
	now := s.now()
	next := now.Truncate(time.Hour).Add(time.Hour)
	delay := next.Sub(now)
	if s.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.JitterMax)))
	}
	return delay
}

// runCycle is one refresh: consumption top-up, then pricing update and
// trigger evaluation, strictly in that order. Failures are logged and
// the next cycle is scheduled regardless.
func (s *Session) runCycle(ctx context.Context) {
	logger := s.logger.WithFields(logrus.Fields{
		"device": s.cfg.DeviceID,
		"cycle":  uuid.NewString(),
	})

	var cumulative float64
	state, err := s.sync.TopUp(ctx)
	if err != nil {
		logger.WithError(err).Error("consumption sync failed")
		if loaded, loadErr := s.store.Load(ctx, s.cfg.DeviceID); loadErr == nil {
			cumulative = loaded.CumulativeKwh
		}
	} else {
		cumulative = state.CumulativeKwh
	}

	if err := s.updatePricing(ctx, cumulative, logger); err != nil {
		logger.WithError(err).Error("pricing update failed")
	}
}

func (s *Session) updatePricing(ctx context.Context, cumulative float64, logger *logrus.Entry) error {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	points, err := s.client.SpotPrices(ctx, midnight, midnight.Add(24*time.Hour), s.cfg.ZipCode)
	if err != nil {
		return err
	}

	// Sorting is this caller's responsibility; the series will not.
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })

	series, err := pricing.NewSeries(points)
	if err != nil {
		return err
	}

	current, ok := series.PriceAt(now)
	if !ok {
		return fmt.Errorf("%w: %s", pricing.ErrNoPriceForHour, now.Truncate(time.Hour).Format(time.RFC3339))
	}

	s.mu.Lock()
	s.series = series
	s.seriesAt = now
	s.snapshot = &Snapshot{
		CurrentPrice:  current.NetPrice,
		LowestPrice:   series.Min(),
		HighestPrice:  series.Max(),
		AveragePrice:  series.Average(),
		CumulativeKwh: cumulative,
		UpdatedAt:     now,
	}
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"current": current.NetPrice,
		"lowest":  series.Min(),
		"highest": series.Max(),
	}).Debug("pricing updated")

	// Missing current hour aborted above; trigger evaluation never
	// runs on stale data.
	return s.engine.RunCycle(series, now, s.dispatcher)
}

// Snapshot returns the latest published cycle state, or false before
// the first successful cycle.
func (s *Session) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return Snapshot{}, false
	}
	return *s.snapshot, true
}

// Evaluate runs a catalogue rule against the latest cycle's series, on
// behalf of the automation host.
func (s *Session) Evaluate(ruleID string, args triggers.Args) (bool, error) {
	s.mu.Lock()
	series, at := s.series, s.seriesAt
	s.mu.Unlock()

	if series == nil {
		return false, fmt.Errorf("no price data yet")
	}
	current, ok := series.PriceAt(at)
	if !ok {
		return false, pricing.ErrNoPriceForHour
	}
	return s.engine.Evaluate(ruleID, args, triggers.EvalContext{
		Current: current,
		Series:  series,
		Now:     at,
	})
}

// Rules exposes the trigger catalogue for the host-facing surface.
func (s *Session) Rules() []triggers.Rule {
	return s.engine.Rules()
}
