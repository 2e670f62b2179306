package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T, policy BackupPolicy, now *time.Time) *FileStore {
	t.Helper()

	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "appstate.json"), "", policy)
	require.NoError(t, err)
	fs.Now = func() time.Time { return *now }
	return fs
}

func TestFileStore_LoadMissing(t *testing.T) {
	t.Parallel()

	now := testNow
	fs := newTestFileStore(t, BackupPolicy{}, &now)
	_, err := fs.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	t.Parallel()

	now := testNow
	fs := newTestFileStore(t, BackupPolicy{}, &now)
	require.NoError(t, os.WriteFile(fs.Path, []byte("{not json"), 0o600))

	_, err := fs.Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := testNow
	fs := newTestFileStore(t, DefaultBackupPolicy(), &now)

	in := fullSession(testNow.Add(90 * 24 * time.Hour))
	require.NoError(t, fs.Save(ctx, in, Metadata{Source: SourceCredentials}))

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	backups, err := fs.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	bs, md, err := LoadBackup(backups[0])
	require.NoError(t, err)
	assert.Equal(t, in, bs)
	assert.Equal(t, SourceCredentials, md.Source)
	assert.True(t, md.Created.Equal(testNow))
}

func TestFileStore_BacksUpPreviousBeforeOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := testNow
	fs := newTestFileStore(t, DefaultBackupPolicy(), &now)

	first := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "old"}}
	second := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "new"}}

	require.NoError(t, fs.Save(ctx, first, Metadata{Source: SourceCredentials}))
	now = now.Add(time.Second)
	require.NoError(t, fs.Save(ctx, second, Metadata{Source: SourceRefresh}))

	prev, err := os.ReadFile(fs.Path + ".bak")
	require.NoError(t, err)
	prevSess, err := Parse(prev)
	require.NoError(t, err)
	assert.Equal(t, "old", prevSess.Value("xs"))

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Value("xs"))
}

func TestFileStore_PrunesByCountAndAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := testNow
	fs := newTestFileStore(t, BackupPolicy{MaxBackups: 3, BackupMaxAge: 48 * time.Hour}, &now)

	s := Session{{Key: "c_user", Value: "1"}, {Key: "xs", Value: "x"}}
	for range 5 {
		require.NoError(t, fs.Save(ctx, s, Metadata{}))
		now = now.Add(time.Minute)
	}

	backups, err := fs.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 3)

	now = now.Add(72 * time.Hour)
	n, err := fs.Prune(now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	backups, err = fs.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore(" ", "", BackupPolicy{})
	require.ErrorIs(t, err, ErrConfig)
}
