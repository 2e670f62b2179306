package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, policy BackupPolicy) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStore(rdb, "", "acct", policy), mr
}

func TestRedisStore_LoadMissing(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t, BackupPolicy{})
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SaveLoadAndBackups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestRedisStore(t, DefaultBackupPolicy())
	now := testNow
	s.now = func() time.Time { return now }

	first := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "old"}}
	second := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "new"}}

	require.NoError(t, s.Save(ctx, first, Metadata{Source: SourceCredentials}))
	now = now.Add(time.Second)
	require.NoError(t, s.Save(ctx, second, Metadata{Source: SourceRefresh}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	sessions, mds, err := s.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, SourceCredentials, mds[0].Source)
	assert.Equal(t, SourcePrevious, mds[1].Source)
	assert.Equal(t, "old", sessions[1].Value("xs"))
	assert.Equal(t, SourceRefresh, mds[2].Source)
}

func TestRedisStore_PrunesByCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestRedisStore(t, BackupPolicy{MaxBackups: 2})
	now := testNow
	s.now = func() time.Time { return now }

	for i := range 4 {
		sess := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: string(rune('a' + i))}}
		require.NoError(t, s.Save(ctx, sess, Metadata{Source: SourceRefresh}))
		now = now.Add(time.Second)
	}

	sessions, _, err := s.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "d", sessions[1].Value("xs"))
}

func TestRedisStore_LoadCorrupt(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t, BackupPolicy{})
	require.NoError(t, mr.Set("msgrlink:session:acct", "{{"))

	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)
}
