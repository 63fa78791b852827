package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory MessageStore used by tests and the
// client-side message cache. It mirrors BoltStore's semantics without
// durability.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Record
	ordered []*Record

	// AppendErr, when set, is returned by Append. Lets tests exercise
	// persistence failure paths.
	AppendErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		return "", s.AppendErr
	}

	now := time.Now().UTC()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := rec
	s.byID[stored.ID] = &stored
	s.ordered = append(s.ordered, &stored)
	return stored.ID, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			rec.IsRead = true
			rec.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Deleted = true
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Conversation(ctx context.Context, userA, userB string, limit int, before time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for i := len(s.ordered) - 1; i >= 0; i-- {
		rec := s.ordered[i]
		if rec.Deleted {
			continue
		}
		if !betweenUsers(rec, userA, userB) {
			continue
		}
		if !before.IsZero() && !rec.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of stored records, deleted included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Get returns a copy of a stored record.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func betweenUsers(rec *Record, userA, userB string) bool {
	return (rec.SenderID == userA && rec.ReceiverID == userB) ||
		(rec.SenderID == userB && rec.ReceiverID == userA)
}
