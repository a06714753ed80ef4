package auth

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, subject, name, capabilities, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.Hash, key.Subject, key.Name, pq.Array(key.Capabilities),
		key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, subject, name, capabilities, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1
	`, hash)

	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) GetBySubject(ctx context.Context, subject string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, subject, name, capabilities, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE subject = $1 ORDER BY created_at DESC
	`, subject)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var (
		caps      pq.StringArray
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)

	err := s.Scan(
		&key.ID, &key.Hash, &key.Subject, &key.Name, &caps,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	)
	if err != nil {
		return nil, err
	}

	key.Capabilities = caps
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}
