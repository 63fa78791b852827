package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	messagesBucket = []byte("messages")
	pairsBucket    = []byte("pairs")
)

// BoltStore is a bbolt-backed MessageStore. Records are CBOR-encoded
// in the messages bucket; a nested per-conversation bucket keeps
// append order for history queries.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the message log at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(pairsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize message store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenBoltStore",
		"path":     path,
	}).Info("Message store opened")

	return &BoltStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Append(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		if err := tx.Bucket(messagesBucket).Put([]byte(rec.ID), encoded); err != nil {
			return err
		}

		pair, err := tx.Bucket(pairsBucket).CreateBucketIfNotExists(pairKey(rec.SenderID, rec.ReceiverID))
		if err != nil {
			return err
		}

		seq, err := pair.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return pair.Put(key[:], []byte(rec.ID))
	})
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return rec.ID, nil
}

func (s *BoltStore) MarkRead(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)
		now := time.Now().UTC()

		for _, id := range ids {
			rec, err := decodeRecord(bucket.Get([]byte(id)))
			if err != nil {
				// Unknown ids are skipped, matching MemoryStore.
				continue
			}
			rec.IsRead = true
			rec.UpdatedAt = now

			encoded, err := cbor.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := bucket.Put([]byte(id), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)

		rec, err := decodeRecord(bucket.Get([]byte(id)))
		if err != nil {
			return err
		}
		rec.Deleted = true
		rec.UpdatedAt = time.Now().UTC()

		encoded, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return bucket.Put([]byte(id), encoded)
	})
}

func (s *BoltStore) Conversation(ctx context.Context, userA, userB string, limit int, before time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		pair := tx.Bucket(pairsBucket).Bucket(pairKey(userA, userB))
		if pair == nil {
			return nil
		}
		messages := tx.Bucket(messagesBucket)

		// Newest first: walk the append-ordered index backwards.
		cursor := pair.Cursor()
		for k, id := cursor.Last(); k != nil; k, id = cursor.Prev() {
			rec, err := decodeRecord(messages.Get(id))
			if err != nil {
				return err
			}
			if rec.Deleted {
				continue
			}
			if !before.IsZero() && !rec.CreatedAt.Before(before) {
				continue
			}
			out = append(out, *rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return out, nil
}

// pairKey builds an order-independent conversation key so both
// directions of a conversation share one index.
func pairKey(userA, userB string) []byte {
	if userB < userA {
		userA, userB = userB, userA
	}
	key := make([]byte, 0, len(userA)+len(userB)+1)
	key = append(key, userA...)
	key = append(key, 0x00)
	key = append(key, userB...)
	return key
}

func decodeRecord(data []byte) (*Record, error) {
	if data == nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
