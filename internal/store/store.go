// Package store persists per-device meter state so the cumulative
// counter survives restarts.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound reports that no state was ever saved for the device.
var ErrNotFound = errors.New("device state not found")

// DeviceState is the meter bookkeeping for one device. CumulativeKwh
// only increases; LastFetchedHour is the hour-aligned timestamp of the
// newest consumption point already folded in.
type DeviceState struct {
	CumulativeKwh   float64
	LastFetchedHour time.Time
}

// DeviceStore loads and saves device state.
type DeviceStore interface {
	Load(ctx context.Context, deviceID string) (*DeviceState, error)
	Save(ctx context.Context, deviceID string, state DeviceState) error
	Close() error
}

// MemoryStore keeps device state in process memory. State does not
// survive a restart; intended for tests and storage-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]DeviceState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]DeviceState)}
}

func (m *MemoryStore) Load(ctx context.Context, deviceID string) (*DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (m *MemoryStore) Save(ctx context.Context, deviceID string, state DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[deviceID] = state
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var _ DeviceStore = (*MemoryStore)(nil)
