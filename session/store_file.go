package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupTimeLayout = "20060102T150405.000000000Z"

// FileStore keeps the primary session in a JSON file and backups in a directory.
//
// Backups are named session-<timestamp>.json and hold {session, metadata}.
type FileStore struct {
	Path      string
	BackupDir string
	Policy    BackupPolicy

	// Sealer, when set, encrypts the primary file and backups. Plaintext files still load.
	Sealer *Sealer

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewFileStore returns a FileStore. An empty backupDir means "<dir of path>/backups".
func NewFileStore(path, backupDir string, policy BackupPolicy) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty session path", ErrConfig)
	}
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	return &FileStore{Path: path, BackupDir: backupDir, Policy: policy}, nil
}

func (s *FileStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Load reads the primary file.
func (s *FileStore) Load(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b, err = s.open(b); err != nil {
		return nil, err
	}
	return Parse(b)
}

func (s *FileStore) open(b []byte) ([]byte, error) {
	if s.Sealer != nil {
		return s.Sealer.Open(b)
	}
	if IsSealed(b) {
		return nil, fmt.Errorf("%w: no passphrase configured", ErrSealed)
	}
	return b, nil
}

func (s *FileStore) seal(b []byte) ([]byte, error) {
	if s.Sealer == nil {
		return b, nil
	}
	return s.Sealer.Seal(b)
}

// Save backs up the current primary, atomically replaces it, writes a backup of the new
// session, and prunes old backups.
func (s *FileStore) Save(ctx context.Context, sess Session, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	md = normalizeMetadata(md, now)

	if err := os.MkdirAll(s.BackupDir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}

	prev, err := os.ReadFile(s.Path)
	switch {
	case err == nil:
		if err := writeFileAtomic(s.Path+".bak", prev); err != nil {
			return fmt.Errorf("backup previous session: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read previous session: %w", err)
	}

	primary, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if primary, err = s.seal(primary); err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	if err := writeFileAtomic(s.Path, primary); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	backup, err := marshalBackup(sess, md)
	if err != nil {
		return err
	}
	if backup, err = s.seal(backup); err != nil {
		return fmt.Errorf("seal backup: %w", err)
	}
	name := filepath.Join(s.BackupDir, "session-"+now.Format(backupTimeLayout)+".json")
	if err := writeFileAtomic(name, backup); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	_, err = s.Prune(now)
	return err
}

// Backups lists backup files, oldest first.
func (s *FileStore) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.BackupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := backupTime(e.Name()); ok {
			out = append(out, filepath.Join(s.BackupDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Prune removes backups older than BackupMaxAge and all but the newest MaxBackups.
// It returns the number of files removed.
func (s *FileStore) Prune(now time.Time) (int, error) {
	files, err := s.Backups()
	if err != nil {
		return 0, err
	}

	var remove []string
	keep := files[:0:0]
	for _, f := range files {
		ts, _ := backupTime(filepath.Base(f))
		if s.Policy.BackupMaxAge > 0 && now.Sub(ts) > s.Policy.BackupMaxAge {
			remove = append(remove, f)
			continue
		}
		keep = append(keep, f)
	}
	if s.Policy.MaxBackups > 0 && len(keep) > s.Policy.MaxBackups {
		remove = append(remove, keep[:len(keep)-s.Policy.MaxBackups]...)
	}

	n := 0
	for _, f := range remove {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("remove backup: %w", err)
		}
		n++
	}
	return n, nil
}

// LoadBackup reads one plaintext backup file.
func LoadBackup(path string) (Session, Metadata, error) {
	return (&FileStore{}).ReadBackup(path)
}

// ReadBackup reads one backup file, opening it with the store's Sealer when sealed.
func (s *FileStore) ReadBackup(path string) (Session, Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	if b, err = s.open(b); err != nil {
		return nil, Metadata{}, err
	}
	var rec backupRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, Metadata{}, corrupt(err)
	}
	return rec.Session, rec.Metadata, nil
}

func backupTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "session-"), ".json")
	t, err := time.Parse(backupTimeLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
