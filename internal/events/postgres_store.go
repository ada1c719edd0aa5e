package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads device event streams from PostgreSQL.
// Tables are created by the goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", "", Range{}, err)
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, registrant, lat, lon, address
		FROM devices
		WHERE id = $1
	`, deviceID).Scan(&d.ID, &d.Registrant, &d.Lat, &d.Lon, &d.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return Device{}, unavailable("get device", deviceID, Range{}, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, registrant, lat, lon, address
		FROM devices
		ORDER BY id
	`)
	if err != nil {
		return nil, unavailable("list devices", "", Range{}, err)
	}
	defer func() { _ = rows.Close() }()

	devices := []Device{}
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Registrant, &d.Lat, &d.Lon, &d.Address); err != nil {
			return nil, fmt.Errorf("events: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list devices", "", Range{}, err)
	}
	return devices, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, occurred_at, amount, from_account, to_account, is_fraud
		FROM device_transactions
		WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
	`, deviceID, r.Start, r.End)
	if err != nil {
		return nil, unavailable("query transactions", deviceID, r, err)
	}
	defer func() { _ = rows.Close() }()

	txns := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Time, &t.Amount, &t.FromAccount, &t.ToAccount, &t.Fraud); err != nil {
			return nil, fmt.Errorf("events: scan transaction for device %s: %w", deviceID, err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query transactions", deviceID, r, err)
	}
	return txns, nil
}

func (s *PostgresStore) Complaints(ctx context.Context, deviceID string, r Range) ([]Complaint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, occurred_at, victim_account, narrative
		FROM device_complaints
		WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
	`, deviceID, r.Start, r.End)
	if err != nil {
		return nil, unavailable("query complaints", deviceID, r, err)
	}
	defer func() { _ = rows.Close() }()

	comps := []Complaint{}
	for rows.Next() {
		var c Complaint
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.Time, &c.VictimAccount, &c.Narrative); err != nil {
			return nil, fmt.Errorf("events: scan complaint for device %s: %w", deviceID, err)
		}
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query complaints", deviceID, r, err)
	}
	return comps, nil
}

// Newest returns the time of the most recent transaction in the store.
// ok is false when the log is empty.
func (s *PostgresStore) Newest(ctx context.Context) (time.Time, bool, error) {
	var t sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM device_transactions`).Scan(&t); err != nil {
		return time.Time{}, false, unavailable("newest transaction", "", Range{}, err)
	}
	return t.Time, t.Valid, nil
}
