package threadsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"happysrt/api/internal/localcache"
	"happysrt/api/internal/thread"
)

// SyncFromServer catches the local state up with the server's change index.
// Guests have nothing to sync. Overlapping calls share a single run.
func (e *Engine) SyncFromServer(ctx context.Context) error {
	if !e.signedIn() {
		return nil
	}
	_, err, _ := e.group.Do("sync", func() (any, error) {
		return nil, e.syncOnce(ctx)
	})
	return err
}

func (e *Engine) syncOnce(ctx context.Context) error {
	since := e.holder.Snapshot().Sync.IndexAt

	index, err := e.remote.IndexThreads(ctx, since)
	if err != nil {
		return fmt.Errorf("index threads: %w", err)
	}

	snapshot := e.holder.Snapshot()
	var deleted, stale []string
	knownStale := make(map[string]bool)
	for _, row := range index.Threads {
		if row.ThreadID == "" || row.ThreadID == thread.DefaultID {
			continue
		}
		local, known := snapshot.ThreadsByID[row.ThreadID]
		if row.DeletedAt != nil {
			if known {
				deleted = append(deleted, row.ThreadID)
			}
			continue
		}
		if known && local.Server.Matches(row) {
			continue
		}
		stale = append(stale, row.ThreadID)
		knownStale[row.ThreadID] = known
	}

	if len(deleted) > 0 {
		if err := e.dropThreads(ctx, deleted); err != nil {
			return err
		}
	}

	fetched := make(map[string]thread.Thread, len(stale))
	var vanished []string
	for _, threadID := range stale {
		record, err := e.remote.GetThread(ctx, threadID)
		if errors.Is(err, thread.ErrNotFound) {
			vanished = append(vanished, threadID)
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch thread %s: %w", threadID, err)
		}
		fetched[threadID] = record
	}

	serverTime := index.ServerTime.UTC()
	err = e.holder.Commit(ctx, func(s *localcache.State) error {
		for _, threadID := range vanished {
			removeThread(s, threadID)
		}
		for threadID, record := range fetched {
			local, ok := s.ThreadsByID[threadID]
			if !ok && knownStale[threadID] {
				// Deleted locally while the fetch was in flight.
				continue
			}
			s.ThreadsByID[threadID] = thread.Reconcile(local, ok, record)
		}
		if !serverTime.IsZero() {
			s.Sync.IndexAt = &serverTime
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	e.forgetMedia(ctx, vanished)

	e.log.Debug("synced threads",
		zap.Int("rows", len(index.Threads)),
		zap.Int("deleted", len(deleted)+len(vanished)),
		zap.Int("fetched", len(fetched)),
	)
	return nil
}

func (e *Engine) dropThreads(ctx context.Context, threadIDs []string) error {
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		for _, threadID := range threadIDs {
			removeThread(s, threadID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit deletions: %w", err)
	}
	e.forgetMedia(ctx, threadIDs)
	return nil
}

// forgetMedia clears staged blobs of threads the server no longer has. The
// thread rows are already gone, so a failure only leaves unreachable bytes.
func (e *Engine) forgetMedia(ctx context.Context, threadIDs []string) {
	for _, threadID := range threadIDs {
		if err := e.cache.DeleteThreadMedia(ctx, e.holder.Scope(), threadID); err != nil {
			e.log.Warn("drop staged media failed", zap.String("thread", threadID), zap.Error(err))
		}
	}
}
