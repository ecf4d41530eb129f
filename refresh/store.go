package refresh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TokenType tags refresh records so other record kinds sharing a table are
// never accepted.
const TokenType = "REFRESH_TOKEN"

var (
	// ErrNotFound is returned by a Store for an unknown record id.
	ErrNotFound = errors.New("refresh record not found")
	// ErrAlreadyUsed is returned by Store.Rotate when the record was consumed
	// by a concurrent caller.
	ErrAlreadyUsed = errors.New("refresh record already used")
	// ErrStoreUnavailable wraps infrastructure failures of the store.
	ErrStoreUnavailable = errors.New("refresh store unavailable")
)

// Record is the durable form of a refresh token.
type Record struct {
	ID        string
	UserID    string
	TenantID  string
	TokenHash [32]byte
	Type      string
	CreatedAt time.Time
	ExpiresAt time.Time
	// UsedAt is zero until the record is consumed.
	UsedAt     time.Time
	ReplacedBy string
}

// Used reports whether the record has been consumed.
func (r *Record) Used() bool {
	return !r.UsedAt.IsZero()
}

// Store persists refresh records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Rotate stamps oldID used at usedAt and inserts next atomically. It
	// returns ErrAlreadyUsed when oldID was consumed first by someone else.
	// A nil next consumes oldID without a successor.
	Rotate(ctx context.Context, oldID string, usedAt time.Time, next *Record) error
	// RevokeUser stamps every unused record of userID and returns the count.
	RevokeUser(ctx context.Context, userID string, at time.Time) (int, error)
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return errors.New("refresh record already exists")
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Rotate(_ context.Context, oldID string, usedAt time.Time, next *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.Used() {
		return ErrAlreadyUsed
	}
	old.UsedAt = usedAt
	if next == nil {
		return nil
	}
	old.ReplacedBy = next.ID

	cp := *next
	s.records[next.ID] = &cp
	return nil
}

func (s *MemoryStore) RevokeUser(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.UserID == userID && !rec.Used() {
			rec.UsedAt = at
			n++
		}
	}
	return n, nil
}
