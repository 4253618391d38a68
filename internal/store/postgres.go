package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements DeviceStore on a single-row-per-device
// table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with a lib/pq connection string, verifies
// connectivity and creates the state table if missing.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS device_state (
            device_id         TEXT PRIMARY KEY,
            cumulative_kwh    DOUBLE PRECISION NOT NULL,
            last_fetched_hour TIMESTAMPTZ NOT NULL,
            updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
        )
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to create device_state table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, deviceID string) (*DeviceState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT cumulative_kwh, last_fetched_hour FROM device_state WHERE device_id = $1",
		deviceID,
	)

	var state DeviceState
	var lastHour time.Time
	if err := row.Scan(&state.CumulativeKwh, &lastHour); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	state.LastFetchedHour = lastHour.UTC()
	return &state, nil
}

func (s *PostgresStore) Save(ctx context.Context, deviceID string, state DeviceState) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO device_state (device_id, cumulative_kwh, last_fetched_hour, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (device_id) DO UPDATE
        SET cumulative_kwh = EXCLUDED.cumulative_kwh,
            last_fetched_hour = EXCLUDED.last_fetched_hour,
            updated_at = now()
    `, deviceID, state.CumulativeKwh, state.LastFetchedHour)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ DeviceStore = (*PostgresStore)(nil)
