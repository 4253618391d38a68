package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Load(ctx, "device-1")
	assert.ErrorIs(t, err, ErrNotFound)

	state := DeviceState{
		CumulativeKwh:   1234.5,
		LastFetchedHour: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, "device-1", state))

	got, err := s.Load(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, state, *got)

	// Other devices stay isolated.
	_, err = s.Load(ctx, "device-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "device-1", DeviceState{CumulativeKwh: 10}))
	require.NoError(t, s.Save(ctx, "device-1", DeviceState{CumulativeKwh: 12}))

	got, err := s.Load(ctx, "device-1")
	require.NoError(t, err)
	assert.InDelta(t, 12, got.CumulativeKwh, 1e-9)
}

func TestLoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "device-1", DeviceState{CumulativeKwh: 5}))

	got, err := s.Load(ctx, "device-1")
	require.NoError(t, err)
	got.CumulativeKwh = 99

	again, err := s.Load(ctx, "device-1")
	require.NoError(t, err)
	assert.InDelta(t, 5, again.CumulativeKwh, 1e-9)
}
