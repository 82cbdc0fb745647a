package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/session"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketMessages = []byte("messages")
)

// Bolt stores sessions in a bbolt file. Session headers live in one bucket
// keyed by id; each session's messages live in a nested bucket keyed by a
// big-endian sequence number.
type Bolt struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
}

type boltRecord struct {
	Seq uint64 `json:"seq"`
	session.Record
}

// OpenBolt opens (creating if missing) the bbolt file at path.
func OpenBolt(path string, logger *slog.Logger) (*Bolt, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Bolt{db: db, path: path, logger: logger}, nil
}

func (b *Bolt) AllocateSession(_ context.Context, settings session.Settings) (string, error) {
	id := uuid.NewString()
	err := b.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		seq, err := sessions.NextSequence()
		if err != nil {
			return err
		}
		enc, err := json.Marshal(boltRecord{
			Seq:    seq,
			Record: session.Record{ID: id, CreatedAt: time.Now().UTC(), Settings: settings},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		if err := sessions.Put([]byte(id), enc); err != nil {
			return err
		}
		_, err = tx.Bucket(bucketMessages).CreateBucket([]byte(id))
		return err
	})
	if err != nil {
		return "", b.fail("allocate", "", err)
	}
	b.logger.Debug("session allocated", "session_id", id, "model", settings.Model)
	return id, nil
}

func (b *Bolt) ListSessions(_ context.Context) ([]session.Record, error) {
	var items []boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", k, err)
			}
			items = append(items, rec)
			return nil
		})
	})
	if err != nil {
		return nil, b.fail("list", "", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	records := make([]session.Record, len(items))
	for i, item := range items {
		records[i] = item.Record
	}
	return records, nil
}

func (b *Bolt) LoadMessages(_ context.Context, id string) ([]session.Message, error) {
	var msgs []session.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(id))
		if bucket == nil {
			return nil
		}
		// keys are big-endian so cursor order is append order
		return bucket.ForEach(func(_, v []byte) error {
			var msg session.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	if err != nil {
		return nil, b.fail("load", id, err)
	}
	return msgs, nil
}

func (b *Bolt) AppendMessages(_ context.Context, id string, msgs ...session.Message) error {
	if len(msgs) == 0 {
		return b.fail("append", id, ErrEmptyTurn)
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(id))
		if bucket == nil {
			return ErrUnknownSession
		}
		for _, msg := range msgs {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = time.Now().UTC()
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			enc, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := bucket.Put(seqKey(seq), enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return b.fail("append", id, err)
	}
	return nil
}

func (b *Bolt) Path() string { return b.path }

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) fail(op, id string, err error) error {
	b.logger.Error("store operation failed", "op", op, "session_id", id, "error", err)
	return &apperr.PersistenceError{Op: op, SessionID: id, Cause: err}
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ Store = (*Bolt)(nil)
