package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
)

// ClickHouseConfig holds connection settings for the ClickHouse event log.
type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
}

// ClickHouseStore reads device event streams from ClickHouse. It is meant for
// transaction logs too large for the OLTP database.
type ClickHouseStore struct {
	conn driver.Conn
}

// OpenClickHouse connects to ClickHouse and verifies the connection.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return NewClickHouseStore(conn), nil
}

// NewClickHouseStore wraps an open ClickHouse connection.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

// Migrate creates the event tables if they don't exist.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id String,
			registrant String,
			lat Float64,
			lon Float64,
			address String
		) ENGINE = ReplacingMergeTree
		ORDER BY id`,
		`CREATE TABLE IF NOT EXISTS device_transactions (
			id String,
			device_id String,
			occurred_at DateTime64(6, 'UTC') CODEC(DoubleDelta, LZ4),
			amount Decimal(18, 2),
			from_account String,
			to_account String,
			is_fraud Bool
		) ENGINE = MergeTree
		ORDER BY (device_id, occurred_at, id)`,
		`CREATE TABLE IF NOT EXISTS device_complaints (
			id String,
			device_id String,
			occurred_at DateTime64(6, 'UTC'),
			victim_account String,
			narrative String
		) ENGINE = MergeTree
		ORDER BY (device_id, occurred_at, id)`,
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate clickhouse event tables: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return unavailable("ping", "", Range{}, err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

type chDevice struct {
	ID         string  `ch:"id"`
	Registrant string  `ch:"registrant"`
	Lat        float64 `ch:"lat"`
	Lon        float64 `ch:"lon"`
	Address    string  `ch:"address"`
}

func (d chDevice) device() Device {
	return Device{ID: d.ID, Registrant: d.Registrant, Lat: d.Lat, Lon: d.Lon, Address: d.Address}
}

type chTransaction struct {
	ID          string          `ch:"id"`
	DeviceID    string          `ch:"device_id"`
	OccurredAt  time.Time       `ch:"occurred_at"`
	Amount      decimal.Decimal `ch:"amount"`
	FromAccount string          `ch:"from_account"`
	ToAccount   string          `ch:"to_account"`
	IsFraud     bool            `ch:"is_fraud"`
}

type chComplaint struct {
	ID            string    `ch:"id"`
	DeviceID      string    `ch:"device_id"`
	OccurredAt    time.Time `ch:"occurred_at"`
	VictimAccount string    `ch:"victim_account"`
	Narrative     string    `ch:"narrative"`
}

func (s *ClickHouseStore) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var rows []chDevice
	err := s.conn.Select(ctx, &rows, `
		SELECT id, registrant, lat, lon, address
		FROM devices FINAL
		WHERE id = ?
		LIMIT 1
	`, deviceID)
	if err != nil {
		return Device{}, unavailable("get device", deviceID, Range{}, err)
	}
	if len(rows) == 0 {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return rows[0].device(), nil
}

func (s *ClickHouseStore) ListDevices(ctx context.Context) ([]Device, error) {
	var rows []chDevice
	err := s.conn.Select(ctx, &rows, `
		SELECT id, registrant, lat, lon, address
		FROM devices FINAL
		ORDER BY id
	`)
	if err != nil {
		return nil, unavailable("list devices", "", Range{}, err)
	}
	devices := make([]Device, len(rows))
	for i, r := range rows {
		devices[i] = r.device()
	}
	return devices, nil
}

func (s *ClickHouseStore) Transactions(ctx context.Context, deviceID string, r Range) ([]Transaction, error) {
	var rows []chTransaction
	err := s.conn.Select(ctx, &rows, `
		SELECT id, device_id, occurred_at, amount, from_account, to_account, is_fraud
		FROM device_transactions
		WHERE device_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
	`, deviceID, r.Start.UTC(), r.End.UTC())
	if err != nil {
		return nil, unavailable("query transactions", deviceID, r, err)
	}
	txns := make([]Transaction, len(rows))
	for i, row := range rows {
		txns[i] = Transaction{
			ID:          row.ID,
			DeviceID:    row.DeviceID,
			Time:        row.OccurredAt,
			Amount:      row.Amount,
			FromAccount: row.FromAccount,
			ToAccount:   row.ToAccount,
			Fraud:       row.IsFraud,
		}
	}
	return txns, nil
}

func (s *ClickHouseStore) Complaints(ctx context.Context, deviceID string, r Range) ([]Complaint, error) {
	var rows []chComplaint
	err := s.conn.Select(ctx, &rows, `
		SELECT id, device_id, occurred_at, victim_account, narrative
		FROM device_complaints
		WHERE device_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
	`, deviceID, r.Start.UTC(), r.End.UTC())
	if err != nil {
		return nil, unavailable("query complaints", deviceID, r, err)
	}
	comps := make([]Complaint, len(rows))
	for i, row := range rows {
		comps[i] = Complaint{
			ID:            row.ID,
			DeviceID:      row.DeviceID,
			Time:          row.OccurredAt,
			VictimAccount: row.VictimAccount,
			Narrative:     row.Narrative,
		}
	}
	return comps, nil
}

func (s *ClickHouseStore) Newest(ctx context.Context) (time.Time, bool, error) {
	var (
		newest time.Time
		n      uint64
	)
	row := s.conn.QueryRow(ctx, `SELECT max(occurred_at), count() FROM device_transactions`)
	if err := row.Scan(&newest, &n); err != nil {
		return time.Time{}, false, unavailable("newest transaction", "", Range{}, err)
	}
	return newest, n > 0, nil
}
