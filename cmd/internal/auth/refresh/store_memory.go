package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	sectoken "craft/cmd/security/token"
)

// MemoryStore is the in-memory Store used for tests and DB-less dev mode.
//
// A single mutex serializes Consume; that is the whole rotation-safety
// story for this backend.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record          // jti -> record
	bySubject map[string]map[string]bool // subject -> set of jti
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		bySubject: make(map[string]map[string]bool),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// Create inserts a fresh record.
func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	if rec.JTI == "" || rec.Subject == "" {
		return errors.New("invalid record")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.JTI]; exists {
		return errors.New("duplicate jti")
	}
	s.put(rec)
	return nil
}

// Get loads a record by jti.
func (s *MemoryStore) Get(ctx context.Context, jti string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jti]
	return rec, ok, nil
}

// Consume implements the atomic consume-and-succeed step under the store mutex.
func (s *MemoryStore) Consume(ctx context.Context, now time.Time, jti, tokenHash string, successor Record) (ConsumeStatus, Record, error) {
	if err := ctx.Err(); err != nil {
		return ConsumeNotFound, Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jti]
	if !ok {
		return ConsumeNotFound, Record{}, nil
	}
	if !sectoken.HashesEqual(rec.TokenHash, tokenHash) {
		return ConsumeHashMismatch, rec, nil
	}
	if rec.Consumed {
		return ConsumeReplayed, rec, nil
	}
	if !rec.ExpiresAt.After(now) {
		return ConsumeExpired, rec, nil
	}

	consumedAt := now
	rec.Consumed = true
	rec.ConsumedAt = &consumedAt
	s.records[jti] = rec

	s.put(successor)
	return ConsumeOK, rec, nil
}

// Delete removes a single record by jti.
func (s *MemoryStore) Delete(ctx context.Context, jti string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jti]
	if !ok {
		return nil
	}
	delete(s.records, jti)
	if set := s.bySubject[rec.Subject]; set != nil {
		delete(set, jti)
		if len(set) == 0 {
			delete(s.bySubject, rec.Subject)
		}
	}
	return nil
}

// RevokeSubject removes every record for subject.
func (s *MemoryStore) RevokeSubject(ctx context.Context, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti := range s.bySubject[subject] {
		delete(s.records, jti)
	}
	delete(s.bySubject, subject)
	return nil
}

// put assumes s.mu is held.
func (s *MemoryStore) put(rec Record) {
	s.records[rec.JTI] = rec
	set := s.bySubject[rec.Subject]
	if set == nil {
		set = make(map[string]bool)
		s.bySubject[rec.Subject] = set
	}
	set[rec.JTI] = true
}
