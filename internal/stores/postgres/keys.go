package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/tokenguard/keys"
)

var _ keys.Store = (*KeyStore)(nil)

// KeyStore persists signing keys in the signing_keys table. A partial unique
// index guarantees a single active key across instances.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore returns a KeyStore over pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

const keyColumns = `id, algorithm, private_key_pem, status, created_at, expires_at,
	rotated_at, deprecated_at, revoked_at, revoked_reason, tokens_issued, last_used_at`

func (s *KeyStore) List(ctx context.Context, statuses ...keys.Status) ([]*keys.SigningKeyPair, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at`)
	} else {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+keyColumns+` FROM signing_keys WHERE status = ANY($1) ORDER BY created_at`, names)
	}
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var out []*keys.SigningKeyPair
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	return out, nil
}

func (s *KeyStore) Get(ctx context.Context, id string) (*keys.SigningKeyPair, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE id = $1`, id)
	k, err := scanKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	return k, err
}

func (s *KeyStore) Insert(ctx context.Context, k *keys.SigningKeyPair) error {
	return insertKey(ctx, s.pool, k)
}

func (s *KeyStore) Rotate(ctx context.Context, req keys.RotateRequest) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin rotation: %w", err)
	}
	defer rollback(ctx, tx)

	var current string
	err = tx.QueryRow(ctx, `SELECT id FROM signing_keys WHERE status = 'active' FOR UPDATE`).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock active key: %w", err)
	}
	if current != req.ExpectedActiveID {
		return nil, keys.ErrConflict
	}

	var demoted []string
	if current != "" {
		_, err := tx.Exec(ctx, `
			UPDATE signing_keys
			SET status = 'rotating', rotated_at = $2, expires_at = $3
			WHERE id = $1 AND status = 'active'`,
			current, req.RotatedAt.UTC(), nullTime(req.RetireAt),
		)
		if err != nil {
			return nil, fmt.Errorf("demote active key: %w", err)
		}
		demoted = append(demoted, current)
	}

	if err := insertKey(ctx, tx, req.Next); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, keys.ErrConflict
		}
		return nil, fmt.Errorf("commit rotation: %w", err)
	}
	return demoted, nil
}

func (s *KeyStore) Transition(ctx context.Context, id string, from, to keys.Status, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signing_keys
		SET status = $3,
		    deprecated_at = CASE WHEN $3 = 'deprecated' THEN $4 ELSE deprecated_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return keys.ErrConflict
		}
		return fmt.Errorf("transition signing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *KeyStore) Revoke(ctx context.Context, id, reason string, at, retireAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signing_keys
		SET status = 'revoked', revoked_at = $2, revoked_reason = $3, expires_at = $4
		WHERE id = $1`,
		id, at.UTC(), reason, nullTime(retireAt),
	)
	if err != nil {
		return fmt.Errorf("revoke signing key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

func (s *KeyStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM signing_keys WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete signing key: %w", err)
	}
	return nil
}

func (s *KeyStore) AddUsage(ctx context.Context, id string, delta uint64, lastUsed time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signing_keys
		SET tokens_issued = tokens_issued + $2,
		    last_used_at = GREATEST(COALESCE(last_used_at, $3), $3)
		WHERE id = $1`,
		id, int64(delta), lastUsed.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record key usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

func (s *KeyStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signing_keys WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check signing key: %w", err)
	}
	if !exists {
		return keys.ErrNotFound
	}
	return keys.ErrConflict
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertKey(ctx context.Context, db execer, k *keys.SigningKeyPair) error {
	pemBytes, err := keys.EncodePrivateKeyPEM(k.PrivateKey)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO signing_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		k.ID, k.Algorithm, pemBytes, string(k.Status), k.CreatedAt.UTC(),
		nullTime(k.ExpiresAt), nullTime(k.RotatedAt), nullTime(k.DeprecatedAt), nullTime(k.RevokedAt),
		k.RevokedReason, int64(k.Usage.TokensIssued), nullTime(k.Usage.LastUsed),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return keys.ErrConflict
		}
		return fmt.Errorf("insert signing key: %w", err)
	}
	return nil
}

func scanKey(row pgx.Row) (*keys.SigningKeyPair, error) {
	var (
		k                                                      keys.SigningKeyPair
		status                                                 string
		pemBytes                                               []byte
		expiresAt, rotatedAt, deprecatedAt, revokedAt, lastUse *time.Time
		issued                                                 int64
	)
	err := row.Scan(
		&k.ID, &k.Algorithm, &pemBytes, &status, &k.CreatedAt, &expiresAt,
		&rotatedAt, &deprecatedAt, &revokedAt, &k.RevokedReason, &issued, &lastUse,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan signing key: %w", err)
	}

	priv, err := keys.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("decode signing key %s: %w", k.ID, err)
	}
	k.PrivateKey = priv
	k.PublicKey = &priv.PublicKey
	k.Status = keys.Status(status)
	k.ExpiresAt = fromNull(expiresAt)
	k.RotatedAt = fromNull(rotatedAt)
	k.DeprecatedAt = fromNull(deprecatedAt)
	k.RevokedAt = fromNull(revokedAt)
	k.Usage = keys.Usage{TokensIssued: uint64(issued), LastUsed: fromNull(lastUse)}
	return &k, nil
}
