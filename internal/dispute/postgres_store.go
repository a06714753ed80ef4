package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, milestone_id, opened_by, reason,
			status, outcome, resolved_by, note, opened_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			`+disputeColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.EscrowID, d.MilestoneID, d.OpenedBy, d.Reason,
		string(d.Status), nullStr(string(d.Outcome)), nullStr(d.ResolvedBy),
		nullStr(d.Note), d.OpenedAt, nullTs(d.ResolvedAt),
	)
	// Partial unique index on open disputes per milestone.
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByMilestone(ctx context.Context, milestoneID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE milestone_id = $1 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1`, milestoneID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome = $2, resolved_by = $3, note = $4, resolved_at = $5
		WHERE id = $6`,
		string(d.Status), nullStr(string(d.Outcome)), nullStr(d.ResolvedBy),
		nullStr(d.Note), nullTs(d.ResolvedAt), d.ID,
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

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY opened_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		outcome    sql.NullString
		resolvedBy sql.NullString
		note       sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.MilestoneID, &d.OpenedBy, &d.Reason,
		&status, &outcome, &resolvedBy, &note, &d.OpenedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Outcome = Outcome(outcome.String)
	d.ResolvedBy = resolvedBy.String
	d.Note = note.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTs(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
