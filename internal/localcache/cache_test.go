package localcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happysrt/api/internal/thread"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadMissingScopeReturnsEmptyState(t *testing.T) {
	store := openTestStore(t)

	state, err := store.Load(context.Background(), "guest")
	require.NoError(t, err)
	assert.Empty(t, state.ThreadsByID)
	assert.Equal(t, thread.DefaultID, state.ActiveID)
	assert.Nil(t, state.Sync.IndexAt)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	state := NewState()
	created := thread.New("6f1c2a9e-4b7d-4c1a-9e2f-0a1b2c3d4e5f", "Interview", now)
	created.Draft.Files = []thread.DraftFile{{ItemID: "i1", ClientFileID: "c1", Stage: thread.StageLocalVideo}}
	state.ThreadsByID[created.ID] = created
	state.ActiveID = created.ID
	state.Sync.IndexAt = &now

	require.NoError(t, store.Save(ctx, "user:u1", state))

	loaded, err := store.Load(ctx, "user:u1")
	require.NoError(t, err)
	require.Contains(t, loaded.ThreadsByID, created.ID)
	got := loaded.ThreadsByID[created.ID]
	assert.Equal(t, "Interview", got.Title)
	assert.Equal(t, thread.KindThread, got.Kind)
	require.Len(t, got.Draft.Files, 1)
	assert.Equal(t, thread.StageLocalVideo, got.Draft.Files[0].Stage)
	assert.Equal(t, created.ID, loaded.ActiveID)
	require.NotNil(t, loaded.Sync.IndexAt)
	assert.True(t, loaded.Sync.IndexAt.Equal(now))
}

func TestScopesAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	guestState := NewState()
	guestState.ThreadsByID["g"] = thread.New("g", "Guest thread", time.Now())
	require.NoError(t, store.Save(ctx, "guest", guestState))

	userState, err := store.Load(ctx, "user:u1")
	require.NoError(t, err)
	assert.Empty(t, userState.ThreadsByID)

	reloaded, err := store.Load(ctx, "guest")
	require.NoError(t, err)
	assert.Contains(t, reloaded.ThreadsByID, "g")
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)
	state := NewState()
	state.ThreadsByID["t"] = thread.New("t", "Kept", time.Now())
	require.NoError(t, store.Save(ctx, "guest", state))
	require.NoError(t, store.PutMedia(ctx, "guest", "t", "c1", []byte("bytes")))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "guest")
	require.NoError(t, err)
	assert.Equal(t, "Kept", loaded.ThreadsByID["t"].Title)
	data, err := reopened.GetMedia(ctx, "guest", "t", "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestMediaLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutMedia(ctx, "guest", "t1", "a", []byte("A")))
	require.NoError(t, store.PutMedia(ctx, "guest", "t1", "b", []byte("B")))
	require.NoError(t, store.PutMedia(ctx, "guest", "t2", "a", []byte("other")))
	require.NoError(t, store.PutMedia(ctx, "user:u1", "t1", "a", []byte("user")))

	require.NoError(t, store.DeleteMedia(ctx, "guest", "t1", "a"))
	_, err := store.GetMedia(ctx, "guest", "t1", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteThreadMedia(ctx, "guest", "t1"))
	_, err = store.GetMedia(ctx, "guest", "t1", "b")
	assert.ErrorIs(t, err, ErrNotFound)

	data, err := store.GetMedia(ctx, "guest", "t2", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)
	data, err = store.GetMedia(ctx, "user:u1", "t1", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("user"), data)
}

func TestThreadMediaDeleteStaysInsideScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutMedia(ctx, "user:a", "b:c", "f", []byte("mine")))
	require.NoError(t, store.PutMedia(ctx, "user:a:b", "c", "f", []byte("theirs")))
	require.NoError(t, store.PutMedia(ctx, "user:a:b", "c:f", "g", []byte("nested")))

	require.NoError(t, store.DeleteThreadMedia(ctx, "user:a", "b:c"))

	_, err := store.GetMedia(ctx, "user:a", "b:c", "f")
	assert.ErrorIs(t, err, ErrNotFound)
	data, err := store.GetMedia(ctx, "user:a:b", "c", "f")
	require.NoError(t, err)
	assert.Equal(t, []byte("theirs"), data)

	require.NoError(t, store.DeleteThreadMedia(ctx, "user:a:b", "c"))
	data, err = store.GetMedia(ctx, "user:a:b", "c:f", "g")
	require.NoError(t, err)
	assert.Equal(t, []byte("nested"), data)
}

func TestClosedStoreFailsLoudly(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Load(context.Background(), "guest")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Save(context.Background(), "guest", NewState()), ErrClosed)
	assert.ErrorIs(t, store.PutMedia(context.Background(), "guest", "t", "c", nil), ErrClosed)
}

func TestEmptyScopeIsRejected(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), " ")
	assert.Error(t, err)
	assert.Error(t, store.Save(context.Background(), "", NewState()))
}

func TestStateCloneIsDeep(t *testing.T) {
	now := time.Now()
	state := NewState()
	state.ThreadsByID["t"] = thread.New("t", "A", now)
	state.Sync.IndexAt = &now

	clone := state.Clone()
	edited := clone.ThreadsByID["t"]
	edited.Title = "B"
	clone.ThreadsByID["t"] = edited
	*clone.Sync.IndexAt = now.Add(time.Hour)

	assert.Equal(t, "A", state.ThreadsByID["t"].Title)
	assert.True(t, state.Sync.IndexAt.Equal(now))
}
