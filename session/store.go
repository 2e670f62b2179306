package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Sources recorded in backup metadata.
const (
	SourceCredentials = "credentials"
	SourceTwoFactor   = "two_factor"
	SourceRefresh     = "refresh"
	SourceImport      = "import"
	SourcePrevious    = "previous"
)

// Metadata describes why and when a session copy was written.
type Metadata struct {
	Created time.Time `json:"created"`
	Source  string    `json:"source"`
}

// Store persists one account's session.
type Store interface {
	// Load returns ErrNotFound when nothing is stored and ErrCorrupt when the payload is malformed.
	Load(ctx context.Context) (Session, error)

	// Save writes s as the primary copy and records a timestamped backup.
	// The previous primary copy is backed up before it is replaced.
	Save(ctx context.Context, s Session, md Metadata) error
}

// BackupPolicy bounds how many backups are kept. Zero values disable the corresponding limit.
type BackupPolicy struct {
	MaxBackups   int
	BackupMaxAge time.Duration
}

// DefaultBackupPolicy keeps ten backups for at most thirty days.
func DefaultBackupPolicy() BackupPolicy {
	return BackupPolicy{MaxBackups: 10, BackupMaxAge: 30 * 24 * time.Hour}
}

type backupRecord struct {
	Session  Session  `json:"session"`
	Metadata Metadata `json:"metadata"`
}

func marshalBackup(s Session, md Metadata) ([]byte, error) {
	b, err := json.MarshalIndent(backupRecord{Session: s, Metadata: md}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	return b, nil
}

func normalizeMetadata(md Metadata, now time.Time) Metadata {
	if md.Created.IsZero() {
		md.Created = now
	}
	md.Created = md.Created.UTC()
	if md.Source == "" {
		md.Source = SourceImport
	}
	return md
}
