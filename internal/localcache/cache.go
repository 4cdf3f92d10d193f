// Package localcache persists client-side thread state and staged media in an
// embedded Pebble database, partitioned by owner scope.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"happysrt/api/internal/thread"
)

var (
	ErrClosed   = errors.New("local cache is closed")
	ErrNotFound = errors.New("local media not found")
)

type SyncState struct {
	IndexAt *time.Time `json:"indexAt"`
}

// State is everything the client keeps for one owner scope.
type State struct {
	ThreadsByID map[string]thread.Thread `json:"threadsById"`
	ActiveID    string                   `json:"activeId"`
	Sync        SyncState                `json:"sync"`
}

func NewState() State {
	return State{ThreadsByID: map[string]thread.Thread{}, ActiveID: thread.DefaultID}
}

func (s State) Clone() State {
	out := State{
		ThreadsByID: make(map[string]thread.Thread, len(s.ThreadsByID)),
		ActiveID:    s.ActiveID,
	}
	for id, t := range s.ThreadsByID {
		out.ThreadsByID[id] = thread.Clone(t)
	}
	if s.Sync.IndexAt != nil {
		at := *s.Sync.IndexAt
		out.Sync.IndexAt = &at
	}
	return out
}

type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("local cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create local cache dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func stateKey(scope string) []byte {
	return []byte("threads:v1:" + scope)
}

// mediaPrefix length-prefixes each segment so no scope's or thread's prefix
// can cover another's keys, whatever characters the ids contain.
func mediaPrefix(scope, threadID string) string {
	return fmt.Sprintf("media:v2:%d:%s%d:%s", len(scope), scope, len(threadID), threadID)
}

func mediaKey(scope, threadID, clientFileID string) []byte {
	return []byte(mediaPrefix(scope, threadID) + clientFileID)
}

func (s *Store) acquire(ctx context.Context, scope string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("owner scope is required")
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

// Load returns the saved state for scope. A scope with nothing saved yields an
// empty state whose active thread is the default one.
func (s *Store) Load(ctx context.Context, scope string) (State, error) {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return State{}, err
	}
	defer release()

	value, closer, err := s.db.Get(stateKey(scope))
	if errors.Is(err, pebble.ErrNotFound) {
		return NewState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state %s: %w", scope, err)
	}
	defer closer.Close()

	var state State
	if err := json.Unmarshal(value, &state); err != nil {
		return State{}, fmt.Errorf("decode state %s: %w", scope, err)
	}
	if state.ThreadsByID == nil {
		state.ThreadsByID = map[string]thread.Thread{}
	}
	for id, t := range state.ThreadsByID {
		if t.ID == "" {
			t.ID = id
		}
		state.ThreadsByID[id] = thread.Normalize(t)
	}
	if state.ActiveID == "" {
		state.ActiveID = thread.DefaultID
	}
	return state, nil
}

func (s *Store) Save(ctx context.Context, scope string, state State) error {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	if state.ThreadsByID == nil {
		state.ThreadsByID = map[string]thread.Thread{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", scope, err)
	}
	if err := s.db.Set(stateKey(scope), raw, pebble.Sync); err != nil {
		return fmt.Errorf("save state %s: %w", scope, err)
	}
	return nil
}

func (s *Store) PutMedia(ctx context.Context, scope, threadID, clientFileID string, data []byte) error {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.Set(mediaKey(scope, threadID, clientFileID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save media %s: %w", clientFileID, err)
	}
	return nil
}

func (s *Store) GetMedia(ctx context.Context, scope, threadID, clientFileID string) ([]byte, error) {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()

	value, closer, err := s.db.Get(mediaKey(scope, threadID, clientFileID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load media %s: %w", clientFileID, err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) DeleteMedia(ctx context.Context, scope, threadID, clientFileID string) error {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.Delete(mediaKey(scope, threadID, clientFileID), pebble.Sync); err != nil {
		return fmt.Errorf("delete media %s: %w", clientFileID, err)
	}
	return nil
}

// DeleteThreadMedia drops every staged blob of one thread.
func (s *Store) DeleteThreadMedia(ctx context.Context, scope, threadID string) error {
	release, err := s.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer release()

	prefix := []byte(mediaPrefix(scope, threadID))
	if err := s.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("delete media for thread %s: %w", threadID, err)
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
