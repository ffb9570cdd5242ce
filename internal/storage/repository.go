package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        alert_id,
        kind,
        triggered_at,
        oldest_bpm,
        newest_bpm,
        delta_bpm,
        threshold_bpm,
        message,
        delivered,
        delivery_error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (alert_id) DO UPDATE
    SET delivered      = EXCLUDED.delivered,
        delivery_error = EXCLUDED.delivery_error
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        kind,
        triggered_at,
        oldest_bpm::text,
        newest_bpm::text,
        delta_bpm::text,
        threshold_bpm::text,
        message,
        delivered,
        delivery_error,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts WHERE kind = $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	CountAlerts(ctx context.Context, kind string) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists the alert audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission. Re-inserting the same alert id
// updates only its delivery status.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var deliveryErr interface{}
	if alert.DeliveryError != nil {
		deliveryErr = *alert.DeliveryError
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Kind,
		alert.TriggeredAt,
		alert.OldestBPM.String(),
		alert.NewestBPM.String(),
		alert.DeltaBPM.String(),
		alert.ThresholdBPM.String(),
		alert.Message,
		alert.Delivered,
		deliveryErr,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// CountAlerts counts stored alerts of one kind.
func (s *Store) CountAlerts(ctx context.Context, kind string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL, kind).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// DeleteAlertsBefore prunes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec          AlertRecord
		oldestStr    string
		newestStr    string
		deltaStr     string
		thresholdStr string
		deliveryErr  sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Kind,
		&rec.TriggeredAt,
		&oldestStr,
		&newestStr,
		&deltaStr,
		&thresholdStr,
		&rec.Message,
		&rec.Delivered,
		&deliveryErr,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.OldestBPM, err = decimal.NewFromString(oldestStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse oldest bpm: %w", err)
	}
	if rec.NewestBPM, err = decimal.NewFromString(newestStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse newest bpm: %w", err)
	}
	if rec.DeltaBPM, err = decimal.NewFromString(deltaStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse delta bpm: %w", err)
	}
	if rec.ThresholdBPM, err = decimal.NewFromString(thresholdStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold bpm: %w", err)
	}
	if deliveryErr.Valid {
		msg := deliveryErr.String
		rec.DeliveryError = &msg
	}
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
