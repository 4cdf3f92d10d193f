// Package threadsync keeps a local-first copy of an owner's threads in step
// with the server.
package threadsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"happysrt/api/internal/client"
	"happysrt/api/internal/localcache"
	"happysrt/api/internal/logger"
	"happysrt/api/internal/owner"
	"happysrt/api/internal/thread"
)

// Remote is the subset of the thread API the engine calls.
type Remote interface {
	CreateThread(ctx context.Context, threadID, title string) (thread.Thread, error)
	RenameThread(ctx context.Context, threadID, title string) (client.RenameResult, error)
	DeleteThread(ctx context.Context, threadID string) (time.Time, error)
	GetThread(ctx context.Context, threadID string) (thread.Thread, error)
	IndexThreads(ctx context.Context, since *time.Time) (thread.Index, error)
	UploadDraft(ctx context.Context, upload client.UploadRequest) (client.DraftResult, error)
	DeleteDraft(ctx context.Context, threadID, itemID string) (client.DraftResult, error)
}

type Cache interface {
	Load(ctx context.Context, scope string) (localcache.State, error)
	Save(ctx context.Context, scope string, state localcache.State) error
	PutMedia(ctx context.Context, scope, threadID, clientFileID string, data []byte) error
	GetMedia(ctx context.Context, scope, threadID, clientFileID string) ([]byte, error)
	DeleteMedia(ctx context.Context, scope, threadID, clientFileID string) error
	DeleteThreadMedia(ctx context.Context, scope, threadID string) error
}

type Options struct {
	Now    func() time.Time
	Logger *zap.Logger
}

type Engine struct {
	owner  owner.Owner
	remote Remote
	cache  Cache
	holder *Holder
	group  singleflight.Group
	now    func() time.Time
	log    *zap.Logger
}

// Open loads the owner's scope from cache and makes sure the tutorial thread
// exists. remote may be nil for an offline engine; guests only use it for
// draft media.
func Open(ctx context.Context, o owner.Owner, remote Remote, cache Cache, opts Options) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	state, err := cache.Load(ctx, o.Scope())
	if err != nil {
		return nil, fmt.Errorf("load local state: %w", err)
	}

	e := &Engine{
		owner:  o,
		remote: remote,
		cache:  cache,
		holder: NewHolder(o.Scope(), cache, state),
		now:    now,
		log:    logger.OrNop(opts.Logger),
	}

	_, hasDefault := state.ThreadsByID[thread.DefaultID]
	_, hasActive := state.ThreadsByID[state.ActiveID]
	if !hasDefault || !hasActive {
		err := e.holder.Commit(ctx, func(s *localcache.State) error {
			if _, ok := s.ThreadsByID[thread.DefaultID]; !ok {
				s.ThreadsByID[thread.DefaultID] = thread.Default(e.now())
			}
			if _, ok := s.ThreadsByID[s.ActiveID]; !ok {
				s.ActiveID = thread.DefaultID
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("seed local state: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) Owner() owner.Owner {
	return e.owner
}

func (e *Engine) State() localcache.State {
	return e.holder.Snapshot()
}

// Threads lists every local thread, most recently updated first.
func (e *Engine) Threads() []thread.Thread {
	state := e.holder.Snapshot()
	out := make([]thread.Thread, 0, len(state.ThreadsByID))
	for _, t := range state.ThreadsByID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) Thread(threadID string) (thread.Thread, bool) {
	t, ok := e.holder.Snapshot().ThreadsByID[threadID]
	return t, ok
}

func (e *Engine) ActiveID() string {
	return e.holder.Snapshot().ActiveID
}

func (e *Engine) SetActive(ctx context.Context, threadID string) error {
	return e.holder.Commit(ctx, func(s *localcache.State) error {
		if _, ok := s.ThreadsByID[threadID]; !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		s.ActiveID = threadID
		return nil
	})
}

// Media returns the locally staged bytes of a draft entry.
func (e *Engine) Media(ctx context.Context, threadID, clientFileID string) ([]byte, error) {
	return e.cache.GetMedia(ctx, e.holder.Scope(), threadID, clientFileID)
}

func (e *Engine) signedIn() bool {
	return !e.owner.IsGuest() && e.remote != nil
}

// removeThread drops a thread and moves the active pointer off it.
func removeThread(s *localcache.State, threadID string) {
	delete(s.ThreadsByID, threadID)
	if s.ActiveID == threadID {
		s.ActiveID = thread.DefaultID
	}
}
