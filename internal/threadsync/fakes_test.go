package threadsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"happysrt/api/internal/client"
	"happysrt/api/internal/localcache"
	"happysrt/api/internal/thread"
)

type fakeRemote struct {
	mu      sync.Mutex
	calls   []string
	uploads []client.UploadRequest

	createFn      func(string, string) (thread.Thread, error)
	renameFn      func(string, string) (client.RenameResult, error)
	deleteFn      func(string) (time.Time, error)
	getFn         func(string) (thread.Thread, error)
	indexFn       func(*time.Time) (thread.Index, error)
	uploadFn      func(client.UploadRequest) (client.DraftResult, error)
	deleteDraftFn func(string, string) (client.DraftResult, error)
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRemote) CreateThread(_ context.Context, threadID, title string) (thread.Thread, error) {
	f.record("create")
	if f.createFn != nil {
		return f.createFn(threadID, title)
	}
	t := thread.New(threadID, title, testNow)
	return t, nil
}

func (f *fakeRemote) RenameThread(_ context.Context, threadID, title string) (client.RenameResult, error) {
	f.record("rename")
	if f.renameFn != nil {
		return f.renameFn(threadID, title)
	}
	return client.RenameResult{ThreadID: threadID, Title: title, Version: 2, UpdatedAt: testNow}, nil
}

func (f *fakeRemote) DeleteThread(_ context.Context, threadID string) (time.Time, error) {
	f.record("delete")
	if f.deleteFn != nil {
		return f.deleteFn(threadID)
	}
	return testNow, nil
}

func (f *fakeRemote) GetThread(_ context.Context, threadID string) (thread.Thread, error) {
	f.record("get")
	if f.getFn != nil {
		return f.getFn(threadID)
	}
	return thread.Thread{}, thread.ErrNotFound
}

func (f *fakeRemote) IndexThreads(_ context.Context, since *time.Time) (thread.Index, error) {
	f.record("index")
	if f.indexFn != nil {
		return f.indexFn(since)
	}
	return thread.Index{ServerTime: testNow}, nil
}

func (f *fakeRemote) UploadDraft(_ context.Context, upload client.UploadRequest) (client.DraftResult, error) {
	f.record("upload")
	f.mu.Lock()
	f.uploads = append(f.uploads, upload)
	f.mu.Unlock()
	if f.uploadFn != nil {
		return f.uploadFn(upload)
	}
	return client.DraftResult{ThreadID: upload.ThreadID, ItemID: upload.ItemID, DraftRev: 1, UpdatedAt: testNow}, nil
}

func (f *fakeRemote) DeleteDraft(_ context.Context, threadID, itemID string) (client.DraftResult, error) {
	f.record("deleteDraft")
	if f.deleteDraftFn != nil {
		return f.deleteDraftFn(threadID, itemID)
	}
	return client.DraftResult{ThreadID: threadID, ItemID: itemID, DraftRev: 1, UpdatedAt: testNow}, nil
}

var errDiskFull = errors.New("disk full")

type memCache struct {
	mu       sync.Mutex
	states   map[string]localcache.State
	media    map[string][]byte
	saves    int
	failSave bool
}

func newMemCache() *memCache {
	return &memCache{states: map[string]localcache.State{}, media: map[string][]byte{}}
}

func (c *memCache) Load(_ context.Context, scope string) (localcache.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[scope]
	if !ok {
		return localcache.NewState(), nil
	}
	return state.Clone(), nil
}

func (c *memCache) Save(_ context.Context, scope string, state localcache.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSave {
		return errDiskFull
	}
	c.saves++
	c.states[scope] = state.Clone()
	return nil
}

func (c *memCache) PutMedia(_ context.Context, scope, threadID, clientFileID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media[scope+"/"+threadID+"/"+clientFileID] = append([]byte(nil), data...)
	return nil
}

func (c *memCache) GetMedia(_ context.Context, scope, threadID, clientFileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.media[scope+"/"+threadID+"/"+clientFileID]
	if !ok {
		return nil, localcache.ErrNotFound
	}
	return data, nil
}

func (c *memCache) DeleteMedia(_ context.Context, scope, threadID, clientFileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.media, scope+"/"+threadID+"/"+clientFileID)
	return nil
}

func (c *memCache) DeleteThreadMedia(_ context.Context, scope, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := scope + "/" + threadID + "/"
	for key := range c.media {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.media, key)
		}
	}
	return nil
}

func (c *memCache) mediaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.media)
}

func (c *memCache) saved(scope string) localcache.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[scope].Clone()
}
