package keys

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for tests and single-instance
// development setups.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*SigningKeyPair
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*SigningKeyPair)}
}

func (s *MemoryStore) List(_ context.Context, statuses ...Status) ([]*SigningKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SigningKeyPair, 0, len(s.keys))
	for _, k := range s.keys {
		if len(statuses) > 0 && !hasStatus(statuses, k.Status) {
			continue
		}
		out = append(out, k.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*SigningKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k.Clone(), nil
}

func (s *MemoryStore) Insert(_ context.Context, key *SigningKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return ErrConflict
	}
	if key.Status == StatusActive && s.activeLocked() != nil {
		return ErrConflict
	}
	s.keys[key.ID] = key.Clone()
	return nil
}

func (s *MemoryStore) Rotate(_ context.Context, req RotateRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	switch {
	case active == nil && req.ExpectedActiveID != "":
		return nil, ErrConflict
	case active != nil && active.ID != req.ExpectedActiveID:
		return nil, ErrConflict
	}
	if _, ok := s.keys[req.Next.ID]; ok {
		return nil, ErrConflict
	}

	var demoted []string
	if active != nil {
		active.Status = StatusRotating
		active.RotatedAt = req.RotatedAt
		active.ExpiresAt = req.RetireAt
		demoted = append(demoted, active.ID)
	}

	next := req.Next.Clone()
	next.Status = StatusActive
	s.keys[next.ID] = next
	return demoted, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.Status != from {
		return ErrConflict
	}
	if to == StatusActive && s.activeLocked() != nil {
		return ErrConflict
	}
	k.Status = to
	if to == StatusDeprecated {
		k.DeprecatedAt = at
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id, reason string, at, retireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Status = StatusRevoked
	k.RevokedAt = at
	k.RevokedReason = reason
	k.ExpiresAt = retireAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) AddUsage(_ context.Context, id string, delta uint64, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Usage.TokensIssued += delta
	if lastUsed.After(k.Usage.LastUsed) {
		k.Usage.LastUsed = lastUsed
	}
	return nil
}

func (s *MemoryStore) activeLocked() *SigningKeyPair {
	for _, k := range s.keys {
		if k.Status == StatusActive {
			return k
		}
	}
	return nil
}

func hasStatus(statuses []Status, st Status) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}
