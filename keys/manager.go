package keys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config controls key lifecycle timing.
type Config struct {
	// OverlapWindow is how long a demoted key stays rotating before it is
	// deprecated.
	OverlapWindow time.Duration
	// MaxTokenLifetime is the longest lifetime of any token signed by a key.
	// Deprecated and revoked keys are destroyed this long after leaving the
	// overlap window.
	MaxTokenLifetime time.Duration
	// RotationInterval schedules automatic rotation of the active key during
	// Sweep. Zero disables scheduled rotation.
	RotationInterval time.Duration
	// RefreshInterval is how long a loaded key set is served before reload.
	RefreshInterval time.Duration
	// ForcedReloadInterval bounds how often an unknown key id may force a
	// reload from the store.
	ForcedReloadInterval time.Duration
	// RetryInterval is how long the manager serves its cached set after the
	// store failed before it tries again.
	RetryInterval time.Duration
	KeyBits       int
	// Static is served when the store holds no active key or is unreachable.
	Static *SigningKeyPair
}

func (c Config) withDefaults() Config {
	if c.OverlapWindow <= 0 {
		c.OverlapWindow = 6 * time.Hour
	}
	if c.MaxTokenLifetime <= 0 {
		c.MaxTokenLifetime = 15 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.ForcedReloadInterval <= 0 {
		c.ForcedReloadInterval = time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.KeyBits == 0 {
		c.KeyBits = DefaultKeyBits
	}
	return c
}

// Option customises a Manager.
type Option func(*Manager)

// WithNotifier broadcasts and receives emergency revocations.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type keySet struct {
	active   *SigningKeyPair
	byID     map[string]*SigningKeyPair
	revoked  map[string]struct{}
	loadedAt time.Time
}

type usageCounter struct {
	count atomic.Uint64
	last  atomic.Int64
}

// Manager is the key rotation service. It is safe for concurrent use.
type Manager struct {
	store    Store
	cfg      Config
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.RWMutex
	set          *keySet
	lastForced   time.Time
	failedAt     time.Time
	localRevoked map[string]struct{}

	group       singleflight.Group
	usage       sync.Map
	usingStatic atomic.Bool
}

// NewManager returns a Manager over store.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("keys: store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.KeyBits < 2048 {
		return nil, errors.New("keys: KeyBits must be at least 2048")
	}
	if cfg.Static != nil && !cfg.Static.CanSign() {
		return nil, errors.New("keys: static key must carry a private key")
	}

	m := &Manager{
		store:        store,
		cfg:          cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
		localRevoked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CurrentSigningKey returns the unique active key, or the static pair when
// the store has none or cannot be reached.
func (m *Manager) CurrentSigningKey(ctx context.Context) (*SigningKeyPair, error) {
	set, err := m.snapshot(ctx, false)
	if set != nil && set.active != nil && !m.isLocallyRevoked(set.active.ID) {
		if m.usingStatic.CompareAndSwap(true, false) {
			m.logger.Info("signing with stored key again", zap.String("kid", set.active.ID))
		}
		return set.active, nil
	}

	if m.cfg.Static != nil {
		if m.usingStatic.CompareAndSwap(false, true) {
			m.logger.Warn("falling back to static signing key",
				zap.String("kid", m.cfg.Static.ID),
				zap.Error(err),
			)
		}
		return m.cfg.Static, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNoSigningKey
}

// VerificationKey returns a key allowed to verify signatures by id. An
// unknown id forces one reload so keys created by other instances are found.
func (m *Manager) VerificationKey(ctx context.Context, kid string) (*SigningKeyPair, error) {
	if kid == "" {
		return nil, ErrUnknownKey
	}
	if m.isLocallyRevoked(kid) {
		return nil, ErrKeyRevoked
	}
	if m.cfg.Static != nil && kid == m.cfg.Static.ID {
		return m.cfg.Static, nil
	}

	set, _ := m.snapshot(ctx, false)
	if k, err := lookup(set, kid); k != nil || err != nil {
		return k, err
	}

	set, err := m.snapshot(ctx, true)
	if k, lerr := lookup(set, kid); k != nil || lerr != nil {
		return k, lerr
	}
	if err != nil && set == nil {
		return nil, err
	}
	return nil, ErrUnknownKey
}

func lookup(set *keySet, kid string) (*SigningKeyPair, error) {
	if set == nil {
		return nil, nil
	}
	if _, ok := set.revoked[kid]; ok {
		return nil, ErrKeyRevoked
	}
	if k, ok := set.byID[kid]; ok && k.CanVerify() {
		return k, nil
	}
	return nil, nil
}

// ActiveKeys returns the active and rotating keys, newest first. The static
// pair is included while it is the one signing.
func (m *Manager) ActiveKeys(ctx context.Context) ([]*SigningKeyPair, error) {
	set, err := m.snapshot(ctx, false)

	var out []*SigningKeyPair
	if set != nil {
		for _, k := range set.byID {
			if m.isLocallyRevoked(k.ID) {
				continue
			}
			if k.Status == StatusActive || k.Status == StatusRotating {
				out = append(out, k)
			}
		}
	}
	if m.cfg.Static != nil && (set == nil || set.active == nil) {
		out = append(out, m.cfg.Static)
	}
	if len(out) == 0 && err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// JWKS returns the published key set built from ActiveKeys.
func (m *Manager) JWKS(ctx context.Context) (JWKSet, error) {
	active, err := m.ActiveKeys(ctx)
	if err != nil {
		return JWKSet{}, err
	}
	return buildJWKS(active), nil
}

// RotateKeys generates a new key, makes it active and demotes the previous
// active key to rotating.
func (m *Manager) RotateKeys(ctx context.Context) (*RotationResult, error) {
	actives, err := m.store.List(ctx, StatusActive)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	expected := ""
	if len(actives) > 0 {
		expected = actives[0].ID
	}
	return m.rotateFrom(ctx, expected, m.now())
}

func (m *Manager) rotateFrom(ctx context.Context, expected string, now time.Time) (*RotationResult, error) {
	next, err := Generate(m.cfg.KeyBits, now)
	if err != nil {
		return nil, err
	}
	if m.cfg.RotationInterval > 0 {
		next.ExpiresAt = now.Add(m.cfg.RotationInterval)
	}

	demoted, err := m.store.Rotate(ctx, RotateRequest{
		ExpectedActiveID: expected,
		Next:             next,
		RotatedAt:        now,
		RetireAt:         now.Add(m.cfg.OverlapWindow + m.cfg.MaxTokenLifetime),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, wrapStoreErr(err)
	}
	m.invalidate()

	m.logger.Info("signing key rotated",
		zap.String("kid", next.ID),
		zap.Strings("demoted", demoted),
	)
	return &RotationResult{NewKey: next, DeprecatedKeyIDs: demoted}, nil
}

// Bootstrap creates the first active key when the store has none.
func (m *Manager) Bootstrap(ctx context.Context) (*RotationResult, error) {
	actives, err := m.store.List(ctx, StatusActive)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if len(actives) > 0 {
		return nil, nil
	}
	res, err := m.rotateFrom(ctx, "", m.now())
	if errors.Is(err, ErrConflict) {
		return nil, nil
	}
	return res, err
}

// Sweep advances the lifecycle of every key: rotating keys past the overlap
// window become deprecated, deprecated and revoked keys past their retire
// time are deleted, and an active key past its scheduled rotation is
// replaced. Pending usage counters are flushed first. Every step is a
// compare-and-set, so concurrent sweeps are harmless.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.now()

	m.flushUsage(ctx)

	all, err := m.store.List(ctx)
	if err != nil {
		return res, wrapStoreErr(err)
	}

	var due *SigningKeyPair
	for _, k := range all {
		switch k.Status {
		case StatusRotating:
			if k.RotatedAt.IsZero() || now.Before(k.RotatedAt.Add(m.cfg.OverlapWindow)) {
				continue
			}
			err := m.store.Transition(ctx, k.ID, StatusRotating, StatusDeprecated, now)
			switch {
			case err == nil:
				res.Deprecated = append(res.Deprecated, k.ID)
			case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
			default:
				return res, wrapStoreErr(err)
			}
		case StatusDeprecated, StatusRevoked:
			if k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt) {
				continue
			}
			if err := m.store.Delete(ctx, k.ID); err != nil {
				return res, wrapStoreErr(err)
			}
			res.Deleted = append(res.Deleted, k.ID)
		case StatusActive:
			if !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt) {
				due = k
			}
		}
	}

	if due != nil {
		rot, err := m.rotateFrom(ctx, due.ID, now)
		switch {
		case err == nil:
			res.Rotated = rot
		case errors.Is(err, ErrConflict):
		default:
			return res, err
		}
	}

	if len(res.Deprecated) > 0 || len(res.Deleted) > 0 {
		m.logger.Info("key sweep",
			zap.Strings("deprecated", res.Deprecated),
			zap.Strings("deleted", res.Deleted),
		)
	}
	m.invalidate()
	return res, nil
}

// RevokeKey removes a key from the verification set immediately. The local
// set is updated before the store is written and the revocation is broadcast
// to other instances. Revoking the active key rotates a replacement in. The
// static key is rejected with ErrStaticKey.
func (m *Manager) RevokeKey(ctx context.Context, id, reason string) error {
	if id == "" {
		return ErrNotFound
	}
	if m.isStatic(id) {
		return ErrStaticKey
	}
	now := m.now()

	var storeErr error
	prev, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	// An unreachable store still evicts locally and broadcasts.
	m.evict(id)
	switch {
	case err != nil:
		storeErr = wrapStoreErr(err)
	default:
		if err := m.store.Revoke(ctx, id, reason, now, now.Add(m.cfg.MaxTokenLifetime)); err != nil {
			storeErr = wrapStoreErr(err)
		}
	}

	if m.notifier != nil {
		if err := m.notifier.PublishRevoked(ctx, id); err != nil {
			m.logger.Warn("key revocation broadcast failed", zap.String("kid", id), zap.Error(err))
		}
	}
	m.logger.Warn("signing key revoked", zap.String("kid", id), zap.String("reason", reason))
	m.invalidate()

	if storeErr != nil {
		return storeErr
	}
	if prev.Status == StatusActive {
		if _, err := m.rotateFrom(ctx, "", now); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return nil
}

// Watch applies revocations broadcast by other instances until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	if m.notifier == nil {
		<-ctx.Done()
		return
	}
	for id := range m.notifier.SubscribeRevoked(ctx) {
		if m.isStatic(id) {
			continue
		}
		m.evict(id)
		m.logger.Info("signing key evicted by broadcast", zap.String("kid", id))
	}
}

// RecordUse counts a signature made with kid. Counters are flushed to the
// store by Sweep.
func (m *Manager) RecordUse(kid string, at time.Time) {
	v, _ := m.usage.LoadOrStore(kid, &usageCounter{})
	c := v.(*usageCounter)
	c.count.Add(1)
	c.last.Store(at.UnixNano())
}

func (m *Manager) flushUsage(ctx context.Context) {
	m.usage.Range(func(key, value any) bool {
		kid := key.(string)
		c := value.(*usageCounter)
		n := c.count.Swap(0)
		if n == 0 {
			return true
		}
		err := m.store.AddUsage(ctx, kid, n, time.Unix(0, c.last.Load()))
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			m.usage.Delete(kid)
		default:
			c.count.Add(n)
			m.logger.Warn("key usage flush failed", zap.String("kid", kid), zap.Error(err))
		}
		return true
	})
}

func (m *Manager) snapshot(ctx context.Context, force bool) (*keySet, error) {
	now := m.now()

	m.mu.RLock()
	set := m.set
	fresh := set != nil && now.Sub(set.loadedAt) < m.cfg.RefreshInterval
	throttled := now.Sub(m.lastForced) < m.cfg.ForcedReloadInterval
	backingOff := !m.failedAt.IsZero() && now.Sub(m.failedAt) < m.cfg.RetryInterval
	m.mu.RUnlock()

	switch {
	case backingOff:
		return set, ErrStoreUnavailable
	case force && throttled && set != nil:
		return set, nil
	case !force && fresh:
		return set, nil
	}

	v, err, _ := m.group.Do("load", func() (any, error) {
		return m.reload(ctx, force)
	})
	if err != nil {
		return set, err
	}
	return v.(*keySet), nil
}

func (m *Manager) reload(ctx context.Context, force bool) (*keySet, error) {
	now := m.now()
	all, err := m.store.List(ctx)
	if err != nil {
		m.mu.Lock()
		m.failedAt = now
		m.mu.Unlock()
		m.logger.Warn("key store unavailable, serving cached key set", zap.Error(err))
		return nil, wrapStoreErr(err)
	}

	set := &keySet{
		byID:     make(map[string]*SigningKeyPair, len(all)),
		revoked:  make(map[string]struct{}),
		loadedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range all {
		if k.Status == StatusRevoked {
			set.revoked[k.ID] = struct{}{}
			delete(m.localRevoked, k.ID)
			continue
		}
		if _, ok := m.localRevoked[k.ID]; ok {
			set.revoked[k.ID] = struct{}{}
			continue
		}
		set.byID[k.ID] = k
		if k.Status == StatusActive {
			set.active = k
		}
	}

	if force {
		m.lastForced = now
	}
	m.failedAt = time.Time{}
	m.set = set
	return set, nil
}

func (m *Manager) isStatic(id string) bool {
	return m.cfg.Static != nil && m.cfg.Static.ID == id
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localRevoked[id] = struct{}{}
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set != nil {
		m.set.loadedAt = time.Time{}
	}
	m.failedAt = time.Time{}
	m.lastForced = time.Time{}
}

func (m *Manager) isLocallyRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.localRevoked[id]
	return ok
}

func wrapStoreErr(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
