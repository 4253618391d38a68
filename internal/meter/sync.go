// Package meter owns the cumulative energy counter: a one-time
// backfill from contract start, then idempotent hourly top-ups.
package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/ostrom"
	"github.com/LRuesink-WebArray/ostrom/internal/store"
)

// ConsumptionFetcher is the slice of the upstream client the
// synchronizer needs.
type ConsumptionFetcher interface {
	Consumption(ctx context.Context, userID, contractID string, start, end time.Time, resolution ostrom.Resolution) ([]ostrom.ConsumptionPoint, error)
}

// Synchronizer keeps one device's cumulative meter in step with the
// upstream consumption endpoint.
type Synchronizer struct {
	client     ConsumptionFetcher
	store      store.DeviceStore
	deviceID   string
	userID     string
	contractID string
	logger     *logrus.Logger

	now func() time.Time
}

func NewSynchronizer(client ConsumptionFetcher, st store.DeviceStore, deviceID, userID, contractID string, logger *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		client:     client,
		store:      st,
		deviceID:   deviceID,
		userID:     userID,
		contractID: contractID,
		logger:     logger,
		now:        time.Now,
	}
}

// Backfill fetches all consumption since contract start and seeds the
// persisted state. Spans longer than a year are fetched in consecutive
// chunks of at most one year each. Any chunk failure aborts the whole
// backfill; nothing is persisted until every chunk succeeded.
func (s *Synchronizer) Backfill(ctx context.Context, contractStart time.Time) (*store.DeviceState, error) {
	start := contractStart.UTC().Truncate(time.Hour)
	end := s.now().UTC().Truncate(time.Hour)

	var total float64
	// With no metered data at all the counter anchors at the current
	// hour, so the first top-up starts from the next hour rather than
	// re-walking the whole contract span.
	lastHour := end

	for chunkStart := start; chunkStart.Before(end); {
		chunkEnd := chunkStart.AddDate(1, 0, 0)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		points, err := s.client.Consumption(ctx, s.userID, s.contractID, chunkStart, chunkEnd, ostrom.ResolutionHour)
		if err != nil {
			return nil, fmt.Errorf("backfill chunk %s..%s: %w",
				chunkStart.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
		}
		for _, p := range points {
			total += p.Kwh
		}
		if len(points) > 0 {
			lastHour = points[len(points)-1].Date.UTC().Truncate(time.Hour)
		}

		chunkStart = chunkEnd
	}

	state := store.DeviceState{CumulativeKwh: total, LastFetchedHour: lastHour}
	if err := s.store.Save(ctx, s.deviceID, state); err != nil {
		return nil, fmt.Errorf("persisting backfilled state: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device":         s.deviceID,
		"cumulative_kwh": total,
		"last_hour":      lastHour.Format(time.RFC3339),
	}).Info("consumption backfill complete")

	return &state, nil
}

// TopUp folds any newly metered hours into the cumulative counter. It
// is idempotent within an hour: once the current hour has been fetched,
// repeated calls change nothing.
func (s *Synchronizer) TopUp(ctx context.Context) (*store.DeviceState, error) {
	currentHour := s.now().UTC().Truncate(time.Hour)

	state, err := s.store.Load(ctx, s.deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading device state: %w", err)
	}

	if state.LastFetchedHour.Equal(currentHour) {
		return state, nil
	}

	fetchStart := state.LastFetchedHour.Add(time.Hour)
	points, err := s.client.Consumption(ctx, s.userID, s.contractID, fetchStart, currentHour.Add(time.Hour), ostrom.ResolutionHour)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		// Upstream has nothing for us yet; try again next cycle.
		return state, nil
	}

	var delta float64
	for _, p := range points {
		delta += p.Kwh
	}
	lastHour := points[len(points)-1].Date.UTC().Truncate(time.Hour)

	// Re-read before adding: the persisted counter is the source of
	// truth across restarts.
	state, err = s.store.Load(ctx, s.deviceID)
	if err != nil {
		return nil, fmt.Errorf("re-reading device state: %w", err)
	}

	updated := store.DeviceState{
		CumulativeKwh:   state.CumulativeKwh + delta,
		LastFetchedHour: lastHour,
	}
	if err := s.store.Save(ctx, s.deviceID, updated); err != nil {
		return nil, fmt.Errorf("persisting device state: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device":         s.deviceID,
		"hours":          len(points),
		"delta_kwh":      delta,
		"cumulative_kwh": updated.CumulativeKwh,
	}).Debug("consumption top-up applied")

	return &updated, nil
}
