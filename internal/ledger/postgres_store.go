package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_id, supplier_id, total_amount, currency,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.BuyerID, e.SupplierID, e.TotalAmount, e.Currency,
		string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (
				id, escrow_id, amount, status, due_date, released_at, external_ref
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, m.EscrowID, m.Amount, string(m.Status),
			nullTime(m.DueDate), nullTime(m.ReleasedAt), nullString(m.ExternalRef),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const escrowColumns = `id, buyer_id, supplier_id, total_amount, currency,
		       status, created_at, updated_at`

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEscrowStatus(ctx context.Context, id string, status EscrowStatus, updatedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), updatedAt, id,
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

func (p *PostgresStore) ListEscrowsByStatus(ctx context.Context, status EscrowStatus, olderThan time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

const milestoneColumns = `id, escrow_id, amount, status, due_date, released_at, external_ref`

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)

	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE escrow_id = $1
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMilestones(rows)
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			status = $1, due_date = $2, released_at = $3, external_ref = $4
		WHERE id = $5`,
		string(m.Status), nullTime(m.DueDate), nullTime(m.ReleasedAt),
		nullString(m.ExternalRef), m.ID,
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

func (p *PostgresStore) ListMilestonesByStatus(ctx context.Context, status MilestoneStatus, olderThan time.Time, limit int) ([]*Milestone, error) {
	// Age is measured from the release entry's creation time; milestones
	// with no release entry yet are always included.
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.escrow_id, m.amount, m.status, m.due_date, m.released_at, m.external_ref
		FROM milestones m
		LEFT JOIN ledger_entries le ON le.milestone_id = m.id AND le.entry_type = 'release'
		WHERE m.status = $1
		  AND (le.created_at IS NULL OR le.created_at < $2)
		ORDER BY m.id ASC
		LIMIT $3`, string(status), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMilestones(rows)
}

func (p *PostgresStore) InsertEntry(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, escrow_id, milestone_id, entry_type, amount,
			external_transaction_id, status, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EscrowID, nullString(e.MilestoneID), string(e.Type), e.Amount,
		nullString(e.ExternalTransactionID), string(e.Status), e.IdempotencyKey, e.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	return err
}

const entryColumns = `id, escrow_id, milestone_id, entry_type, amount,
		      external_transaction_id, status, idempotency_key, created_at`

func (p *PostgresStore) GetEntryByKey(ctx context.Context, idempotencyKey string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, idempotencyKey)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEntry(ctx context.Context, id string, status EntryStatus, externalTransactionID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_entries SET
			status = $1,
			external_transaction_id = COALESCE(NULLIF($2, ''), external_transaction_id)
		WHERE id = $3 AND status <> 'confirmed'`,
		string(status), externalTransactionID, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// Either the entry is missing or it is already confirmed.
	row := p.db.QueryRowContext(ctx, `
		SELECT external_transaction_id FROM ledger_entries WHERE id = $1 AND status = 'confirmed'`, id)
	var extID sql.NullString
	switch err := row.Scan(&extID); err {
	case nil:
		if status == EntryConfirmed && (externalTransactionID == "" || externalTransactionID == extID.String) {
			return nil // idempotent re-confirm
		}
		return ErrImmutable
	case sql.ErrNoRows:
		return ErrNotFound
	default:
		return err
	}
}

func (p *PostgresStore) ListEntries(ctx context.Context, escrowID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListEntriesForMilestone(ctx context.Context, milestoneID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE milestone_id = $1
		ORDER BY created_at ASC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) SumEntries(ctx context.Context, escrowID string, typ EntryType, status EntryStatus) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE escrow_id = $1 AND entry_type = $2 AND status = $3`,
		escrowID, string(typ), string(status),
	).Scan(&sum)
	return sum, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var status string

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SupplierID, &e.TotalAmount, &e.Currency,
		&status, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = EscrowStatus(status)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status      string
		dueDate     sql.NullTime
		releasedAt  sql.NullTime
		externalRef sql.NullString
	)

	err := s.Scan(&m.ID, &m.EscrowID, &m.Amount, &status, &dueDate, &releasedAt, &externalRef)
	if err != nil {
		return nil, err
	}

	m.Status = MilestoneStatus(status)
	m.ExternalRef = externalRef.String
	if dueDate.Valid {
		m.DueDate = &dueDate.Time
	}
	if releasedAt.Valid {
		m.ReleasedAt = &releasedAt.Time
	}
	return m, nil
}

func scanMilestones(rows *sql.Rows) ([]*Milestone, error) {
	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		typ         string
		status      string
		milestoneID sql.NullString
		extID       sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.EscrowID, &milestoneID, &typ, &e.Amount,
		&extID, &status, &e.IdempotencyKey, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = EntryType(typ)
	e.Status = EntryStatus(status)
	e.MilestoneID = milestoneID.String
	e.ExternalTransactionID = extID.String
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
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
