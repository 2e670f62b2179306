package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. The primary copy lives at <prefix>:<account> and
// backups in the sorted set <prefix>:<account>:backups scored by unix milliseconds.
type RedisStore struct {
	rdb    redis.UniversalClient
	key    string
	policy BackupPolicy
	now    func() time.Time
}

// NewRedisStore returns a RedisStore. An empty prefix means "msgrlink:session".
func NewRedisStore(rdb redis.UniversalClient, prefix, account string, policy BackupPolicy) *RedisStore {
	if prefix == "" {
		prefix = "msgrlink:session"
	}
	return &RedisStore{rdb: rdb, key: prefix + ":" + account, policy: policy, now: time.Now}
}

func (s *RedisStore) backupsKey() string { return s.key + ":backups" }

// Load returns the primary copy.
func (s *RedisStore) Load(ctx context.Context) (Session, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Save watches the primary key so the previous copy is backed up atomically with the swap.
func (s *RedisStore) Save(ctx context.Context, sess Session, md Metadata) error {
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

	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, s.key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			score := float64(now.UnixMilli())
			if prev != nil {
				prevSess, perr := Parse(prev)
				payload := prev
				if perr == nil {
					if payload, perr = marshalBackup(prevSess, Metadata{Created: now, Source: SourcePrevious}); perr != nil {
						return perr
					}
				}
				p.ZAdd(ctx, s.backupsKey(), redis.Z{Score: score - 0.5, Member: payload})
			}
			p.Set(ctx, s.key, cookies, 0)
			p.ZAdd(ctx, s.backupsKey(), redis.Z{Score: score, Member: backup})

			if s.policy.BackupMaxAge > 0 {
				cutoff := now.Add(-s.policy.BackupMaxAge).UnixMilli()
				p.ZRemRangeByScore(ctx, s.backupsKey(), "-inf", "("+strconv.FormatInt(cutoff, 10))
			}
			if s.policy.MaxBackups > 0 {
				p.ZRemRangeByRank(ctx, s.backupsKey(), 0, int64(-s.policy.MaxBackups-1))
			}
			return nil
		})
		return err
	}

	for range 3 {
		err = s.rdb.Watch(ctx, txf, s.key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Backups returns stored backups, oldest first.
func (s *RedisStore) Backups(ctx context.Context) ([]Session, []Metadata, error) {
	raw, err := s.rdb.ZRange(ctx, s.backupsKey(), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	sessions := make([]Session, 0, len(raw))
	mds := make([]Metadata, 0, len(raw))
	for _, r := range raw {
		var rec backupRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, nil, corrupt(err)
		}
		sessions = append(sessions, rec.Session)
		mds = append(mds, rec.Metadata)
	}
	return sessions, mds, nil
}
