package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE SCHEMA IF NOT EXISTS msgrlink;

CREATE TABLE IF NOT EXISTS msgrlink.sessions (
	account    text PRIMARY KEY,
	cookies    jsonb NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS msgrlink.session_backups (
	id         text PRIMARY KEY,
	account    text NOT NULL,
	payload    jsonb NOT NULL,
	source     text NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS session_backups_account_created_idx
	ON msgrlink.session_backups (account, created_at DESC);
`

// PostgresStore implements Store using PostgreSQL (msgrlink.sessions).
type PostgresStore struct {
	pool    *pgxpool.Pool
	account string
	policy  BackupPolicy
	now     func() time.Time
}

// NewPostgresStore creates a Postgres-backed store for one account key.
func NewPostgresStore(pool *pgxpool.Pool, account string, policy BackupPolicy) *PostgresStore {
	return &PostgresStore{pool: pool, account: account, policy: policy, now: time.Now}
}

// EnsureSchema applies PostgresSchema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

// Load returns the primary session row.
func (s *PostgresStore) Load(ctx context.Context) (Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT cookies FROM msgrlink.sessions WHERE account = $1
	`, s.account).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Save copies the previous primary into session_backups, upserts the new one, records its
// backup, and prunes, all in one transaction.
func (s *PostgresStore) Save(ctx context.Context, sess Session, md Metadata) error {
	now := s.now().UTC()
	md = normalizeMetadata(md, now)

	cookies, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	backup, err := marshalBackup(sess, md)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := backupPreviousTx(ctx, tx, s.account, now); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO msgrlink.sessions (account, cookies, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE SET cookies = EXCLUDED.cookies, updated_at = EXCLUDED.updated_at
	`, s.account, cookies, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO msgrlink.session_backups (id, account, payload, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ulid.Make().String(), s.account, backup, md.Source, md.Created); err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}

	if err := pruneTx(ctx, tx, s.account, s.policy, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func backupPreviousTx(ctx context.Context, tx pgx.Tx, account string, now time.Time) error {
	var prev []byte
	err := tx.QueryRow(ctx, `
		SELECT cookies FROM msgrlink.sessions WHERE account = $1 FOR UPDATE
	`, account).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read previous session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(prev, &sess); err != nil {
		// A corrupt previous row is still preserved verbatim.
		sess = nil
	}
	payload := prev
	if sess != nil {
		if payload, err = marshalBackup(sess, Metadata{Created: now, Source: SourcePrevious}); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO msgrlink.session_backups (id, account, payload, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ulid.Make().String(), account, payload, SourcePrevious, now)
	if err != nil {
		return fmt.Errorf("backup previous session: %w", err)
	}
	return nil
}

func pruneTx(ctx context.Context, tx pgx.Tx, account string, policy BackupPolicy, now time.Time) error {
	if policy.BackupMaxAge > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM msgrlink.session_backups WHERE account = $1 AND created_at < $2
		`, account, now.Add(-policy.BackupMaxAge)); err != nil {
			return fmt.Errorf("prune backups by age: %w", err)
		}
	}
	if policy.MaxBackups > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM msgrlink.session_backups
			WHERE account = $1 AND id IN (
				SELECT id FROM msgrlink.session_backups
				WHERE account = $1
				ORDER BY created_at DESC, id DESC
				OFFSET $2
			)
		`, account, policy.MaxBackups); err != nil {
			return fmt.Errorf("prune backups by count: %w", err)
		}
	}
	return nil
}

// BackupCount returns the number of stored backups for the account.
func (s *PostgresStore) BackupCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM msgrlink.session_backups WHERE account = $1
	`, s.account).Scan(&n)
	return n, err
}
