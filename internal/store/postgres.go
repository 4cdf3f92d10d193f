package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"happysrt/api/internal/thread"
)

// cursorLag is subtracted from the index server time so rows committed by
// transactions that started before the index query are seen again next time.
const cursorLag = 5 * time.Second

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// CreateThread inserts a new thread for the owner unless the id was ever used
// by that owner or the owner already holds limit live threads.
func (s *PostgresStore) CreateThread(ctx context.Context, ownerID string, t thread.Thread, limit int) (thread.Thread, error) {
	t = thread.Normalize(t)
	data, err := json.Marshal(threadData{Kind: t.Kind, Items: t.Items})
	if err != nil {
		return thread.Thread{}, fmt.Errorf("marshal thread data: %w", err)
	}
	draft, err := json.Marshal(t.Draft)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("marshal draft: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("begin create thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "threads:"+ownerID); err != nil {
		return thread.Thread{}, fmt.Errorf("lock owner threads: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM threads WHERE owner_id=$1 AND thread_id=$2)
	`, ownerID, t.ID).Scan(&exists); err != nil {
		return thread.Thread{}, fmt.Errorf("check thread exists: %w", err)
	}
	if exists {
		return thread.Thread{}, ErrThreadExists
	}

	var used int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads WHERE owner_id=$1 AND deleted_at IS NULL
	`, ownerID).Scan(&used); err != nil {
		return thread.Thread{}, fmt.Errorf("count threads: %w", err)
	}
	if limit > 0 && used >= limit {
		return thread.Thread{}, &ThreadLimitError{Limit: limit, Used: used}
	}

	var draftUpdatedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		INSERT INTO threads (owner_id, thread_id, title, data, version, draft, draft_rev)
		VALUES ($1, $2, $3, $4::jsonb, 1, $5::jsonb, 0)
		RETURNING version, draft_rev, draft_updated_at, created_at, updated_at
	`, ownerID, t.ID, t.Title, string(data), string(draft)).Scan(
		&t.Version,
		&t.DraftRev,
		&draftUpdatedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return thread.Thread{}, ErrThreadExists
	}
	if err != nil {
		return thread.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return thread.Thread{}, fmt.Errorf("commit create thread: %w", err)
	}
	t.DraftUpdatedAt = nullTime(draftUpdatedAt)
	t.Server = thread.StampsOf(t)
	return t, nil
}

// EnsureThread creates an empty thread row if the owner has none with that id.
func (s *PostgresStore) EnsureThread(ctx context.Context, ownerID, threadID, title string) error {
	draft, err := json.Marshal(thread.NormalizeDraft(thread.Draft{}))
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	data, err := json.Marshal(threadData{Kind: thread.KindThread, Items: []thread.Item{}})
	if err != nil {
		return fmt.Errorf("marshal thread data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (owner_id, thread_id, title, data, draft)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		ON CONFLICT (owner_id, thread_id) DO NOTHING
	`, ownerID, threadID, title, string(data), string(draft))
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) ThreadExists(ctx context.Context, ownerID, threadID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM threads WHERE owner_id=$1 AND thread_id=$2 AND deleted_at IS NULL)
	`, ownerID, threadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check thread exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RenameThread(ctx context.Context, ownerID, threadID, title string) (int64, time.Time, error) {
	var version int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE threads
		SET title=$3, updated_at=NOW(), version=version+1
		WHERE owner_id=$1 AND thread_id=$2 AND deleted_at IS NULL
		RETURNING version, updated_at
	`, ownerID, threadID, title).Scan(&version, &updatedAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rename thread: %w", err)
	}
	return version, updatedAt, nil
}

// SoftDeleteThread marks the thread deleted. Deleting an already deleted
// thread returns the original deletion time.
func (s *PostgresStore) SoftDeleteThread(ctx context.Context, ownerID, threadID string) (time.Time, error) {
	var deletedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE threads
		SET deleted_at=NOW(), updated_at=NOW(), version=version+1
		WHERE owner_id=$1 AND thread_id=$2 AND deleted_at IS NULL
		RETURNING deleted_at
	`, ownerID, threadID).Scan(&deletedAt)
	if err == nil {
		return deletedAt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("delete thread: %w", err)
	}

	var previous sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT deleted_at FROM threads WHERE owner_id=$1 AND thread_id=$2
	`, ownerID, threadID).Scan(&previous)
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup deleted thread: %w", err)
	}
	if !previous.Valid {
		return time.Time{}, fmt.Errorf("delete thread: %w", sql.ErrNoRows)
	}
	return previous.Time, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, ownerID, threadID string) (thread.Thread, error) {
	var (
		item           thread.Thread
		data           []byte
		draft          []byte
		draftUpdatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, title, data, version, draft, draft_rev, draft_updated_at, created_at, updated_at
		FROM threads
		WHERE owner_id=$1 AND thread_id=$2 AND deleted_at IS NULL
	`, ownerID, threadID).Scan(
		&item.ID,
		&item.Title,
		&data,
		&item.Version,
		&draft,
		&item.DraftRev,
		&draftUpdatedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return thread.Thread{}, err
	}

	var payload threadData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return thread.Thread{}, fmt.Errorf("decode thread data: %w", err)
		}
	}
	if len(draft) > 0 {
		if err := json.Unmarshal(draft, &item.Draft); err != nil {
			return thread.Thread{}, fmt.Errorf("decode draft: %w", err)
		}
	}
	item.Kind = payload.Kind
	item.Items = payload.Items
	item.DraftUpdatedAt = nullTime(draftUpdatedAt)
	item = thread.Normalize(item)
	item.Server = thread.StampsOf(item)
	return item, nil
}

// IndexThreads lists the owner's threads changed at or after since, deletions
// included. A nil since lists every live thread. The returned server time is
// the cursor the caller should send next.
func (s *PostgresStore) IndexThreads(ctx context.Context, ownerID string, since *time.Time) (time.Time, []thread.IndexRow, error) {
	var serverTime time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT NOW()`).Scan(&serverTime); err != nil {
		return time.Time{}, nil, fmt.Errorf("read server time: %w", err)
	}
	serverTime = serverTime.Add(-cursorLag).UTC()

	var (
		rows *sql.Rows
		err  error
	)
	if since == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT thread_id, title, version, updated_at, deleted_at, draft_rev, draft_updated_at
			FROM threads
			WHERE owner_id=$1 AND deleted_at IS NULL
			ORDER BY updated_at ASC
		`, ownerID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT thread_id, title, version, updated_at, deleted_at, draft_rev, draft_updated_at
			FROM threads
			WHERE owner_id=$1 AND (updated_at >= $2 OR draft_updated_at >= $2 OR deleted_at >= $2)
			ORDER BY updated_at ASC
		`, ownerID, since.UTC())
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("index threads: %w", err)
	}
	defer rows.Close()

	items := make([]thread.IndexRow, 0)
	for rows.Next() {
		var (
			row            thread.IndexRow
			deletedAt      sql.NullTime
			draftUpdatedAt sql.NullTime
		)
		if err := rows.Scan(&row.ThreadID, &row.Title, &row.Version, &row.UpdatedAt, &deletedAt, &row.DraftRev, &draftUpdatedAt); err != nil {
			return time.Time{}, nil, fmt.Errorf("scan index row: %w", err)
		}
		row.DeletedAt = nullTime(deletedAt)
		row.DraftUpdatedAt = nullTime(draftUpdatedAt)
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, nil, fmt.Errorf("iterate index rows: %w", err)
	}
	return serverTime, items, nil
}

// MutateDraft applies mutate to the stored draft under a row lock and bumps
// the draft revision. An error from mutate aborts without writing.
func (s *PostgresStore) MutateDraft(ctx context.Context, ownerID, threadID string, mutate func(*thread.Draft) error) (DraftCommit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DraftCommit{}, fmt.Errorf("begin draft tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT draft FROM threads
		WHERE owner_id=$1 AND thread_id=$2 AND deleted_at IS NULL
		FOR UPDATE
	`, ownerID, threadID).Scan(&raw)
	if err != nil {
		return DraftCommit{}, fmt.Errorf("lock draft: %w", err)
	}

	var draft thread.Draft
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &draft); err != nil {
			return DraftCommit{}, fmt.Errorf("decode draft: %w", err)
		}
	}
	draft = thread.NormalizeDraft(draft)
	if err := mutate(&draft); err != nil {
		return DraftCommit{}, err
	}
	draft = thread.NormalizeDraft(draft)

	encoded, err := json.Marshal(draft)
	if err != nil {
		return DraftCommit{}, fmt.Errorf("marshal draft: %w", err)
	}

	commit := DraftCommit{Draft: draft}
	err = tx.QueryRowContext(ctx, `
		UPDATE threads
		SET draft=$3::jsonb, draft_rev=draft_rev+1, draft_updated_at=NOW(), updated_at=NOW()
		WHERE owner_id=$1 AND thread_id=$2
		RETURNING draft_rev, draft_updated_at, updated_at
	`, ownerID, threadID, string(encoded)).Scan(&commit.DraftRev, &commit.DraftUpdatedAt, &commit.UpdatedAt)
	if err != nil {
		return DraftCommit{}, fmt.Errorf("write draft: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DraftCommit{}, fmt.Errorf("commit draft: %w", err)
	}
	return commit, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
