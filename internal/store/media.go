package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"happysrt/api/internal/quota"
)

const usedBytesQuery = `
	SELECT COALESCE(SUM(bytes), 0)
	FROM media_objects
	WHERE owner_id=$1
	  AND deleted_at IS NULL
	  AND status IN ('active', 'pending')
	  AND (expires_at IS NULL OR expires_at > NOW())
`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UsedBytes sums the owner's live and still reserved media.
func (s *PostgresStore) UsedBytes(ctx context.Context, ownerID string) (int64, error) {
	return usedBytes(ctx, s.db, ownerID)
}

func usedBytes(ctx context.Context, q queryRower, ownerID string) (int64, error) {
	var used int64
	if err := q.QueryRowContext(ctx, usedBytesQuery, ownerID).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum media bytes: %w", err)
	}
	return used, nil
}

// ReserveMedia records a pending ledger row for obj if it fits under
// limitBytes. It returns the bytes in use before the reservation; when the
// object does not fit the error is a *quota.ExceededError.
func (s *PostgresStore) ReserveMedia(ctx context.Context, obj MediaObject, limitBytes int64, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reserve media: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "media:"+obj.OwnerID); err != nil {
		return 0, fmt.Errorf("lock owner media: %w", err)
	}
	used, err := usedBytes(ctx, tx, obj.OwnerID)
	if err != nil {
		return 0, err
	}
	if err := quota.Check(used, obj.Bytes, limitBytes); err != nil {
		return used, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_objects (object_id, owner_id, thread_id, item_id, object_key, filename, mime, bytes, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', NOW() + ($9::double precision * INTERVAL '1 second'))
	`, obj.ObjectID, obj.OwnerID, obj.ThreadID, obj.ItemID, obj.ObjectKey, obj.Filename, obj.Mime, obj.Bytes, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("insert media reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit media reservation: %w", err)
	}
	return used, nil
}

// ActivateMedia promotes a pending reservation once its object is stored.
func (s *PostgresStore) ActivateMedia(ctx context.Context, ownerID, objectID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE media_objects
		SET status='active', expires_at=NULL, updated_at=NOW()
		WHERE owner_id=$1 AND object_id=$2 AND status='pending'
	`, ownerID, objectID)
	if err != nil {
		return fmt.Errorf("activate media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate media rows: %w", err)
	}
	if affected == 0 {
		return ErrMediaExpired
	}
	return nil
}

func (s *PostgresStore) FailMedia(ctx context.Context, ownerID, objectID string) error {
	return s.setMediaStatus(ctx, ownerID, objectID, MediaFailed)
}

func (s *PostgresStore) MarkMediaDeleted(ctx context.Context, ownerID, objectID string) error {
	return s.setMediaStatus(ctx, ownerID, objectID, MediaDeleted)
}

func (s *PostgresStore) setMediaStatus(ctx context.Context, ownerID, objectID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_objects
		SET status=$3,
		    updated_at=NOW(),
		    deleted_at=CASE WHEN $3 = 'deleted' THEN NOW() ELSE deleted_at END
		WHERE owner_id=$1 AND object_id=$2
	`, ownerID, objectID, status)
	if err != nil {
		return fmt.Errorf("set media status %s: %w", status, err)
	}
	return nil
}

// ExpirePendingMedia flips up to limit overdue reservations to expired and
// returns them so their objects can be removed.
func (s *PostgresStore) ExpirePendingMedia(ctx context.Context, limit int) ([]MediaObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE media_objects
		SET status='expired', updated_at=NOW()
		WHERE object_id IN (
			SELECT object_id FROM media_objects
			WHERE status='pending' AND expires_at < NOW()
			ORDER BY expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING object_id, owner_id, thread_id, item_id, object_key, filename, mime, bytes, created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("expire pending media: %w", err)
	}
	defer rows.Close()

	items := make([]MediaObject, 0)
	for rows.Next() {
		item := MediaObject{Status: MediaExpired}
		if err := rows.Scan(&item.ObjectID, &item.OwnerID, &item.ThreadID, &item.ItemID, &item.ObjectKey, &item.Filename, &item.Mime, &item.Bytes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expired media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired media: %w", err)
	}
	return items, nil
}
