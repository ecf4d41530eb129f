package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/tokenguard/refresh"
)

var _ refresh.Store = (*RefreshStore)(nil)

// RefreshStore persists refresh records in the refresh_tokens table.
// Single use is enforced by a conditional update on used_at.
type RefreshStore struct {
	pool *pgxpool.Pool
}

// NewRefreshStore returns a RefreshStore over pool.
func NewRefreshStore(pool *pgxpool.Pool) *RefreshStore {
	return &RefreshStore{pool: pool}
}

const refreshColumns = `id, user_id, tenant_id, token_hash, token_type, created_at, expires_at, used_at, replaced_by`

func (s *RefreshStore) Insert(ctx context.Context, rec *refresh.Record) error {
	return insertRecord(ctx, s.pool, rec)
}

func (s *RefreshStore) Get(ctx context.Context, id string) (*refresh.Record, error) {
	var (
		rec    refresh.Record
		hash   []byte
		usedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = $1`, id).Scan(
		&rec.ID, &rec.UserID, &rec.TenantID, &hash, &rec.Type,
		&rec.CreatedAt, &rec.ExpiresAt, &usedAt, &rec.ReplacedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refresh.ErrNotFound
		}
		return nil, fmt.Errorf("get refresh record: %w", err)
	}
	if len(hash) != len(rec.TokenHash) {
		return nil, fmt.Errorf("refresh record %s: malformed token hash", id)
	}
	copy(rec.TokenHash[:], hash)
	rec.UsedAt = fromNull(usedAt)
	return &rec, nil
}

func (s *RefreshStore) Rotate(ctx context.Context, oldID string, usedAt time.Time, next *refresh.Record) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin refresh rotation: %w", err)
	}
	defer rollback(ctx, tx)

	successor := ""
	if next != nil {
		successor = next.ID
	}
	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET used_at = $2, replaced_by = $3
		WHERE id = $1 AND used_at IS NULL`,
		oldID, usedAt.UTC(), successor,
	)
	if err != nil {
		return fmt.Errorf("consume refresh record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)`, oldID).Scan(&exists); err != nil {
			return fmt.Errorf("check refresh record: %w", err)
		}
		if !exists {
			return refresh.ErrNotFound
		}
		return refresh.ErrAlreadyUsed
	}

	if next != nil {
		if err := insertRecord(ctx, tx, next); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refresh rotation: %w", err)
	}
	return nil
}

func (s *RefreshStore) RevokeUser(ctx context.Context, userID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET used_at = $2
		WHERE user_id = $1 AND used_at IS NULL`,
		userID, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired deletes records that expired before cutoff and returns the
// number removed.
func (s *RefreshStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge refresh records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertRecord(ctx context.Context, db execer, rec *refresh.Record) error {
	_, err := db.Exec(ctx, `
		INSERT INTO refresh_tokens (`+refreshColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.TenantID, rec.TokenHash[:], rec.Type,
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), nullTime(rec.UsedAt), rec.ReplacedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh record %s already exists", rec.ID)
		}
		return fmt.Errorf("insert refresh record: %w", err)
	}
	return nil
}
