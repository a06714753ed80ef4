package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists webhook deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, provider, external_event_id, event_type, payload,
			status, attempts, next_attempt_at, last_error, received_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Provider, d.ExternalEventID, d.EventType, d.Payload,
		string(d.Status), d.Attempts, nullTime(d.NextAttemptAt),
		nullString(d.LastError), d.ReceivedAt, nullTime(d.ProcessedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateDelivery
	}
	return err
}

func (p *PostgresStore) Update(ctx context.Context, d *Delivery) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = $1, attempts = $2, next_attempt_at = $3,
			last_error = $4, processed_at = $5
		WHERE id = $6`,
		string(d.Status), d.Attempts, nullTime(d.NextAttemptAt),
		nullString(d.LastError), nullTime(d.ProcessedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryColumns = `id, provider, external_event_id, event_type, payload,
			 status, attempts, next_attempt_at, last_error, received_at, processed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)

	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE status = 'failed' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	d := &Delivery{}
	var (
		status        string
		nextAttemptAt sql.NullTime
		lastError     sql.NullString
		processedAt   sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.Provider, &d.ExternalEventID, &d.EventType, &d.Payload,
		&status, &d.Attempts, &nextAttemptAt, &lastError, &d.ReceivedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DeliveryStatus(status)
	d.LastError = lastError.String
	if nextAttemptAt.Valid {
		d.NextAttemptAt = &nextAttemptAt.Time
	}
	if processedAt.Valid {
		d.ProcessedAt = &processedAt.Time
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
