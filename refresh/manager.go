package refresh

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalid is returned for unknown, malformed, expired or mismatched
	// tokens.
	ErrInvalid = errors.New("refresh token invalid")
	// ErrReuse is returned when a consumed token is presented again.
	ErrReuse = errors.New("refresh token reuse detected")
)

// DefaultTTL is the lifetime of a refresh record.
const DefaultTTL = 30 * 24 * time.Hour

// Config controls refresh token lifetime and replay handling.
type Config struct {
	TTL time.Duration
	// RevokeFamilyOnReuse consumes every outstanding record of the user when
	// a replay is detected.
	RevokeFamilyOnReuse bool
}

// Issued is a freshly minted refresh token.
type Issued struct {
	// Value is the literal token handed to the client.
	Value     string
	RecordID  string
	UserID    string
	TenantID  string
	ExpiresAt time.Time
}

// ReuseHook is called after a replay was detected.
type ReuseHook func(ctx context.Context, userID, recordID string)

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithReuseHook registers fn for replay notifications.
func WithReuseHook(fn ReuseHook) Option {
	return func(m *Manager) { m.onReuse = fn }
}

// Manager issues and rotates refresh tokens. It holds no state of its own;
// every decision is made against the store.
type Manager struct {
	store   Store
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	onReuse ReuseHook
}

// NewManager returns a Manager over store.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("refresh: store is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("refresh: invalid TTL configuration")
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a new refresh token for userID.
func (m *Manager) Issue(ctx context.Context, userID string) (*Issued, error) {
	return m.IssueFor(ctx, userID, "")
}

// IssueFor mints a new refresh token for userID within tenantID.
func (m *Manager) IssueFor(ctx context.Context, userID, tenantID string) (*Issued, error) {
	if userID == "" {
		return nil, errors.New("refresh: user id is required")
	}
	rec, secret, err := m.newRecord(userID, tenantID)
	if err != nil {
		return nil, err
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, storeErr(err)
	}
	return issued(rec, secret), nil
}

// Rotate consumes value and returns its successor.
func (m *Manager) Rotate(ctx context.Context, value string) (*Issued, error) {
	id, secret, err := Decode(value)
	if err != nil {
		return nil, ErrInvalid
	}

	rec, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalid
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalid, storeErr(err))
	}

	now := m.now()
	if rec.Type != TokenType {
		return nil, ErrInvalid
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrInvalid
	}
	hash := secret.Hash()
	if subtle.ConstantTimeCompare(hash[:], rec.TokenHash[:]) != 1 {
		return nil, ErrInvalid
	}
	if rec.Used() {
		m.reuse(ctx, rec)
		return nil, ErrReuse
	}

	next, nextSecret, err := m.newRecord(rec.UserID, rec.TenantID)
	if err != nil {
		return nil, err
	}
	err = m.store.Rotate(ctx, rec.ID, now, next)
	switch {
	case errors.Is(err, ErrAlreadyUsed):
		m.reuse(ctx, rec)
		return nil, ErrReuse
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalid
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalid, storeErr(err))
	}

	return issued(next, nextSecret), nil
}

// Discard consumes value without issuing a successor. Unknown, expired and
// already used tokens are ignored.
func (m *Manager) Discard(ctx context.Context, value string) error {
	id, secret, err := Decode(value)
	if err != nil {
		return ErrInvalid
	}
	rec, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return storeErr(err)
	}
	hash := secret.Hash()
	if subtle.ConstantTimeCompare(hash[:], rec.TokenHash[:]) != 1 {
		return ErrInvalid
	}
	if rec.Used() || !m.now().Before(rec.ExpiresAt) {
		return nil
	}
	err = m.store.Rotate(ctx, rec.ID, m.now(), nil)
	if err != nil && !errors.Is(err, ErrAlreadyUsed) && !errors.Is(err, ErrNotFound) {
		return storeErr(err)
	}
	return nil
}

// Revoke consumes every outstanding refresh token of userID.
func (m *Manager) Revoke(ctx context.Context, userID string) (int, error) {
	n, err := m.store.RevokeUser(ctx, userID, m.now())
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (m *Manager) reuse(ctx context.Context, rec *Record) {
	m.logger.Warn("refresh token replay",
		zap.String("event", "refresh_replay"),
		zap.String("user_id", rec.UserID),
		zap.String("record_id", rec.ID),
	)
	if m.cfg.RevokeFamilyOnReuse {
		if _, err := m.store.RevokeUser(ctx, rec.UserID, m.now()); err != nil {
			m.logger.Error("revoke refresh family failed", zap.String("user_id", rec.UserID), zap.Error(err))
		}
	}
	if m.onReuse != nil {
		m.onReuse(ctx, rec.UserID, rec.ID)
	}
}

func (m *Manager) newRecord(userID, tenantID string) (*Record, Secret, error) {
	secret, err := NewSecret()
	if err != nil {
		return nil, secret, err
	}
	now := m.now()
	return &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		TokenHash: secret.Hash(),
		Type:      TokenType,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}, secret, nil
}

func issued(rec *Record, secret Secret) *Issued {
	return &Issued{
		Value:     Encode(rec.ID, secret),
		RecordID:  rec.ID,
		UserID:    rec.UserID,
		TenantID:  rec.TenantID,
		ExpiresAt: rec.ExpiresAt,
	}
}

func storeErr(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
