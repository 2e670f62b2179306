package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when MSGRLINK_TEST_DATABASE_URL is set.
// Outside CI, an unreachable Postgres skips the test.

func TestPostgresStore_SaveLoadPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbURL := os.Getenv("MSGRLINK_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("MSGRLINK_TEST_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool := mustPGXPool(ctx, t, dbURL)
	defer pool.Close()

	account := "test-" + ulid.Make().String()
	store := NewPostgresStore(pool, account, BackupPolicy{MaxBackups: 2, BackupMaxAge: time.Hour})
	require.NoError(t, store.EnsureSchema(ctx))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM msgrlink.sessions WHERE account = $1`, account)
		_, _ = pool.Exec(ctx, `DELETE FROM msgrlink.session_backups WHERE account = $1`, account)
	})

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	for i := range 3 {
		sess := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: string(rune('a' + i))}}
		require.NoError(t, store.Save(ctx, sess, Metadata{Source: SourceRefresh}))
	}

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Value("xs"))

	n, err := store.BackupCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func mustPGXPool(ctx context.Context, t *testing.T, dbURL string) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dbURL)
	require.NoError(t, err)
	cfg.MaxConns = 2
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
