package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ncrp/atmrisk/internal/pagination"
)

// PostgresStore persists assessments in the risk_assessments table created
// by the migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record inserts a batch in one transaction.
func (s *PostgresStore) Record(ctx context.Context, as []Assessment) error {
	if len(as) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assessment insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_assessments
			(id, device_id, snapshot_time, score, model_version, contract_version, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare assessment insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range as {
		var snapshot sql.NullTime
		if !a.SnapshotTime.IsZero() {
			snapshot = sql.NullTime{Time: a.SnapshotTime, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.DeviceID, snapshot, a.Score, a.ModelVersion, a.ContractVersion, a.ScoredAt,
		); err != nil {
			return fmt.Errorf("record assessment for device %s: %w", a.DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assessments: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByDevice(ctx context.Context, deviceID string, after *pagination.Cursor, limit int) ([]Assessment, error) {
	if limit <= 0 {
		limit = 100
	}
	var afterAt sql.NullTime
	var afterID string
	if after != nil {
		afterAt = sql.NullTime{Time: after.At, Valid: true}
		afterID = after.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, snapshot_time, score, model_version, contract_version, scored_at
		FROM risk_assessments
		WHERE device_id = $1
		  AND ($2::timestamptz IS NULL OR (scored_at, id) < ($2, $3))
		ORDER BY scored_at DESC, id DESC
		LIMIT $4
	`, deviceID, afterAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Assessment
	for rows.Next() {
		var a Assessment
		var snapshot sql.NullTime
		var scoredAt time.Time
		if err := rows.Scan(&a.ID, &a.DeviceID, &snapshot, &a.Score, &a.ModelVersion, &a.ContractVersion, &scoredAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		if snapshot.Valid {
			a.SnapshotTime = snapshot.Time.UTC()
		}
		a.ScoredAt = scoredAt.UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}
