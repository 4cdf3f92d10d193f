package threadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"happysrt/api/internal/client"
	"happysrt/api/internal/localcache"
	"happysrt/api/internal/quota"
	"happysrt/api/internal/thread"
	"happysrt/api/internal/util"
)

// MediaFile is a file picked on the device.
type MediaFile struct {
	Name         string
	Mime         string
	Data         []byte
	LastModified time.Time
}

func (e *Engine) CreateThread(ctx context.Context, title string) (thread.Thread, error) {
	return e.CreateThreadWithID(ctx, util.NewID(), title)
}

// CreateThreadWithID adds a thread locally, makes it active and, for signed in
// owners, creates it on the server. A rejected create leaves no trace locally.
func (e *Engine) CreateThreadWithID(ctx context.Context, threadID, title string) (thread.Thread, error) {
	if err := validateThreadID(threadID); err != nil {
		return thread.Thread{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = thread.NewThreadTitle
	}
	if err := validateTitle(title); err != nil {
		return thread.Thread{}, err
	}

	previousActive := ""
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		if _, exists := s.ThreadsByID[threadID]; exists {
			return fmt.Errorf("%w: thread %s already exists", thread.ErrConflict, threadID)
		}
		if e.owner.IsGuest() {
			limit := quota.PlanGuest.ThreadLimit()
			if used := countThreads(*s); used >= limit {
				return fmt.Errorf("%w: guest thread limit of %d reached", thread.ErrConflict, limit)
			}
		}
		previousActive = s.ActiveID
		s.ThreadsByID[threadID] = thread.New(threadID, title, e.now())
		s.ActiveID = threadID
		return nil
	})
	if err != nil {
		return thread.Thread{}, err
	}

	if e.signedIn() {
		created, err := e.remote.CreateThread(ctx, threadID, title)
		if err != nil {
			e.rollback(ctx, "create", func(s *localcache.State) {
				removeThread(s, threadID)
				if _, ok := s.ThreadsByID[previousActive]; ok && s.ActiveID == thread.DefaultID {
					s.ActiveID = previousActive
				}
			})
			return thread.Thread{}, err
		}
		err = e.holder.Commit(ctx, func(s *localcache.State) error {
			local, ok := s.ThreadsByID[threadID]
			s.ThreadsByID[threadID] = thread.Reconcile(local, ok, created)
			return nil
		})
		if err != nil {
			return thread.Thread{}, err
		}
	}

	created, _ := e.Thread(threadID)
	return created, nil
}

func (e *Engine) RenameThread(ctx context.Context, threadID, title string) (thread.Thread, error) {
	if err := validateThreadID(threadID); err != nil {
		return thread.Thread{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return thread.Thread{}, fmt.Errorf("%w: title is required", thread.ErrValidation)
	}
	if err := validateTitle(title); err != nil {
		return thread.Thread{}, err
	}

	var previousTitle string
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		previousTitle = t.Title
		t.Title = title
		t.Version++
		t.UpdatedAt = e.now().UTC()
		s.ThreadsByID[threadID] = t
		return nil
	})
	if err != nil {
		return thread.Thread{}, err
	}

	if e.signedIn() {
		result, err := e.remote.RenameThread(ctx, threadID, title)
		if err != nil {
			e.rollback(ctx, "rename", func(s *localcache.State) {
				t, ok := s.ThreadsByID[threadID]
				if !ok || t.Title != title {
					return
				}
				t.Title = previousTitle
				t.Version++
				t.UpdatedAt = e.now().UTC()
				s.ThreadsByID[threadID] = t
			})
			return thread.Thread{}, err
		}
		err = e.holder.Commit(ctx, func(s *localcache.State) error {
			t, ok := s.ThreadsByID[threadID]
			if !ok {
				return nil
			}
			t.Title = result.Title
			t.Version = max(t.Version, result.Version)
			t.UpdatedAt = thread.Later(t.UpdatedAt, result.UpdatedAt)
			if successor(t.Server.Version, result.Version) {
				version, updatedAt := result.Version, result.UpdatedAt
				t.Server.Version = &version
				t.Server.UpdatedAt = &updatedAt
			}
			s.ThreadsByID[threadID] = t
			return nil
		})
		if err != nil {
			return thread.Thread{}, err
		}
	}

	renamed, _ := e.Thread(threadID)
	return renamed, nil
}

// DeleteThread removes a thread and its staged media. A server that no longer
// knows the thread counts as success.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}

	var removed thread.Thread
	var wasActive bool
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		removed = t
		wasActive = s.ActiveID == threadID
		removeThread(s, threadID)
		return nil
	})
	if err != nil {
		return err
	}

	if e.signedIn() {
		if _, err := e.remote.DeleteThread(ctx, threadID); err != nil && !errors.Is(err, thread.ErrNotFound) {
			e.rollback(ctx, "delete", func(s *localcache.State) {
				if _, ok := s.ThreadsByID[threadID]; ok {
					return
				}
				s.ThreadsByID[threadID] = removed
				if wasActive && s.ActiveID == thread.DefaultID {
					s.ActiveID = threadID
				}
			})
			return err
		}
	}

	if err := e.cache.DeleteThreadMedia(ctx, e.holder.Scope(), threadID); err != nil {
		return fmt.Errorf("drop staged media: %w", err)
	}
	return nil
}

// AddItem appends a result record. Items have no server endpoint of their own
// and stay local until the next full record the server sends back.
func (e *Engine) AddItem(ctx context.Context, threadID, itemType string, payload json.RawMessage) (thread.Item, error) {
	if err := validateThreadID(threadID); err != nil {
		return thread.Item{}, err
	}
	itemType = strings.TrimSpace(itemType)
	if itemType == "" {
		return thread.Item{}, fmt.Errorf("%w: item type is required", thread.ErrValidation)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return thread.Item{}, fmt.Errorf("%w: item payload must be JSON", thread.ErrValidation)
	}

	now := e.now().UTC()
	item := thread.Item{
		ID:        util.NewID(),
		Type:      itemType,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   append(json.RawMessage(nil), payload...),
	}
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		t.Items = append(t.Items, item)
		t.Version++
		t.UpdatedAt = now
		s.ThreadsByID[threadID] = t
		return nil
	})
	if err != nil {
		return thread.Item{}, err
	}
	return item, nil
}

// AddDraftMediaFromFile stages a picked file. The bytes are written to the
// local media store first; audio is then uploaded, while video stays on the
// device and only its metadata reaches the server.
func (e *Engine) AddDraftMediaFromFile(ctx context.Context, threadID string, file MediaFile) (thread.DraftFile, error) {
	if err := validateThreadID(threadID); err != nil {
		return thread.DraftFile{}, err
	}
	name := strings.TrimSpace(file.Name)
	if name == "" {
		return thread.DraftFile{}, fmt.Errorf("%w: file name is required", thread.ErrValidation)
	}
	if len(file.Data) == 0 {
		return thread.DraftFile{}, fmt.Errorf("%w: file is empty", thread.ErrValidation)
	}
	if _, ok := e.Thread(threadID); !ok {
		return thread.DraftFile{}, fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
	}

	isVideo := thread.IsVideoMime(file.Mime)
	local := &thread.LocalMeta{
		Name:    name,
		Size:    int64(len(file.Data)),
		Mime:    file.Mime,
		IsVideo: isVideo,
	}
	if !file.LastModified.IsZero() {
		local.LastModified = file.LastModified.UnixMilli()
	}
	now := e.now().UTC()
	entry := thread.DraftFile{
		ItemID:       util.NewID(),
		ClientFileID: util.NewID(),
		SourceType:   thread.SourceUpload,
		Local:        local,
		Stage:        thread.StageUploading,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if isVideo {
		entry.Stage = thread.StageLocalVideo
	}

	scope := e.holder.Scope()
	if err := e.cache.PutMedia(ctx, scope, threadID, entry.ClientFileID, file.Data); err != nil {
		return thread.DraftFile{}, fmt.Errorf("stage media: %w", err)
	}
	if err := e.stageDraftEntry(ctx, threadID, entry); err != nil {
		e.dropMedia(ctx, threadID, entry.ClientFileID)
		return thread.DraftFile{}, err
	}

	if e.remote == nil {
		return entry, nil
	}
	upload := client.UploadRequest{
		ThreadID:     threadID,
		ItemID:       entry.ItemID,
		ClientFileID: entry.ClientFileID,
		SourceType:   thread.SourceUpload,
		Local:        local,
		Filename:     name,
		Mime:         file.Mime,
	}
	if !isVideo {
		upload.Data = file.Data
	}
	result, err := e.remote.UploadDraft(ctx, upload)
	if err != nil {
		e.unstageDraftEntry(ctx, threadID, entry.ItemID)
		e.dropMedia(ctx, threadID, entry.ClientFileID)
		return thread.DraftFile{}, err
	}

	stored, err := e.applyDraftResult(ctx, threadID, entry, result)
	if err != nil {
		return thread.DraftFile{}, err
	}
	if !isVideo {
		e.dropMedia(ctx, threadID, entry.ClientFileID)
	}
	return stored, nil
}

func (e *Engine) AddDraftMediaFromURL(ctx context.Context, threadID, rawURL string) (thread.DraftFile, error) {
	if err := validateThreadID(threadID); err != nil {
		return thread.DraftFile{}, err
	}
	link, err := validateHTTPURL(rawURL)
	if err != nil {
		return thread.DraftFile{}, err
	}
	if _, ok := e.Thread(threadID); !ok {
		return thread.DraftFile{}, fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
	}

	now := e.now().UTC()
	entry := thread.DraftFile{
		ItemID:       util.NewID(),
		ClientFileID: util.NewID(),
		SourceType:   thread.SourceURL,
		URL:          link,
		Stage:        thread.StageLinked,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.stageDraftEntry(ctx, threadID, entry); err != nil {
		return thread.DraftFile{}, err
	}
	if e.remote == nil {
		return entry, nil
	}

	result, err := e.remote.UploadDraft(ctx, client.UploadRequest{
		ThreadID:     threadID,
		ItemID:       entry.ItemID,
		ClientFileID: entry.ClientFileID,
		SourceType:   thread.SourceURL,
		URL:          link,
	})
	if err != nil {
		e.unstageDraftEntry(ctx, threadID, entry.ItemID)
		return thread.DraftFile{}, err
	}
	return e.applyDraftResult(ctx, threadID, entry, result)
}

// DeleteDraftMedia removes a staged entry everywhere. The entry comes back if
// the server refuses; a server that never had it counts as success.
func (e *Engine) DeleteDraftMedia(ctx context.Context, threadID, itemID string) error {
	if err := validateThreadID(threadID); err != nil {
		return err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return fmt.Errorf("%w: item id is required", thread.ErrValidation)
	}

	var removed thread.DraftFile
	var position int
	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		file, index, found := t.Draft.Find(itemID)
		if !found {
			return fmt.Errorf("%w: draft entry %s", thread.ErrNotFound, itemID)
		}
		removed, position = file, index
		t.Draft.Files = append(t.Draft.Files[:index:index], t.Draft.Files[index+1:]...)
		e.touchDraft(&t)
		s.ThreadsByID[threadID] = t
		return nil
	})
	if err != nil {
		return err
	}

	if e.remote != nil {
		result, err := e.remote.DeleteDraft(ctx, threadID, itemID)
		switch {
		case errors.Is(err, thread.ErrNotFound):
		case err != nil:
			e.rollback(ctx, "delete draft", func(s *localcache.State) {
				t, ok := s.ThreadsByID[threadID]
				if !ok {
					return
				}
				if _, _, exists := t.Draft.Find(itemID); exists {
					return
				}
				at := min(position, len(t.Draft.Files))
				files := make([]thread.DraftFile, 0, len(t.Draft.Files)+1)
				files = append(files, t.Draft.Files[:at]...)
				files = append(files, removed)
				t.Draft.Files = append(files, t.Draft.Files[at:]...)
				e.touchDraft(&t)
				s.ThreadsByID[threadID] = t
			})
			return err
		default:
			if err := e.holder.Commit(ctx, func(s *localcache.State) error {
				if t, ok := s.ThreadsByID[threadID]; ok {
					applyDraftStamps(&t, result)
					s.ThreadsByID[threadID] = t
				}
				return nil
			}); err != nil {
				return err
			}
		}
	}

	if removed.ClientFileID != "" {
		if err := e.cache.DeleteMedia(ctx, e.holder.Scope(), threadID, removed.ClientFileID); err != nil {
			return fmt.Errorf("drop staged media: %w", err)
		}
	}
	return nil
}

func (e *Engine) stageDraftEntry(ctx context.Context, threadID string, entry thread.DraftFile) error {
	return e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return fmt.Errorf("%w: thread %s", thread.ErrNotFound, threadID)
		}
		t.Draft.Files = append([]thread.DraftFile{entry}, t.Draft.Files...)
		e.touchDraft(&t)
		s.ThreadsByID[threadID] = t
		return nil
	})
}

func (e *Engine) unstageDraftEntry(ctx context.Context, threadID, itemID string) {
	e.rollback(ctx, "stage draft", func(s *localcache.State) {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return
		}
		_, index, found := t.Draft.Find(itemID)
		if !found {
			return
		}
		t.Draft.Files = append(t.Draft.Files[:index:index], t.Draft.Files[index+1:]...)
		e.touchDraft(&t)
		s.ThreadsByID[threadID] = t
	})
}

// applyDraftResult swaps the optimistic entry for the server's copy and folds
// in the returned stamps.
func (e *Engine) applyDraftResult(ctx context.Context, threadID string, entry thread.DraftFile, result client.DraftResult) (thread.DraftFile, error) {
	stored := entry
	if result.DraftFile != nil {
		stored = *result.DraftFile
		if stored.Local == nil {
			stored.Local = entry.Local
		}
		if stored.ClientFileID == "" {
			stored.ClientFileID = entry.ClientFileID
		}
	}
	stored = thread.NormalizeDraft(thread.Draft{Files: []thread.DraftFile{stored}}).Files[0]

	err := e.holder.Commit(ctx, func(s *localcache.State) error {
		t, ok := s.ThreadsByID[threadID]
		if !ok {
			return nil
		}
		if _, index, found := t.Draft.Find(entry.ItemID); found {
			t.Draft.Files[index] = stored
		} else {
			t.Draft.Files = append([]thread.DraftFile{stored}, t.Draft.Files...)
		}
		applyDraftStamps(&t, result)
		s.ThreadsByID[threadID] = t
		return nil
	})
	if err != nil {
		return thread.DraftFile{}, err
	}
	return stored, nil
}

// applyDraftStamps merges the server's draft stamps. The mirror only moves
// when the server revision directly follows the mirrored one, so no change
// from elsewhere can be skipped over.
func applyDraftStamps(t *thread.Thread, result client.DraftResult) {
	t.DraftRev = max(t.DraftRev, result.DraftRev)
	t.DraftUpdatedAt = thread.LaterPtr(t.DraftUpdatedAt, result.DraftUpdatedAt)
	t.UpdatedAt = thread.Later(t.UpdatedAt, result.UpdatedAt)
	if !successor(t.Server.DraftRev, result.DraftRev) {
		return
	}
	rev := result.DraftRev
	t.Server.DraftRev = &rev
	if result.DraftUpdatedAt != nil {
		at := *result.DraftUpdatedAt
		t.Server.DraftUpdatedAt = &at
	}
	if !result.UpdatedAt.IsZero() {
		updatedAt := result.UpdatedAt
		t.Server.UpdatedAt = &updatedAt
	}
}

func (e *Engine) touchDraft(t *thread.Thread) {
	now := e.now().UTC()
	t.DraftRev++
	t.DraftUpdatedAt = &now
	t.UpdatedAt = thread.Later(t.UpdatedAt, now)
}

// rollback undoes an optimistic change after a failed remote call. The
// remote error is what the caller sees; a failed rollback is logged.
func (e *Engine) rollback(ctx context.Context, op string, undo func(*localcache.State)) {
	err := e.holder.Commit(context.WithoutCancel(ctx), func(s *localcache.State) error {
		undo(s)
		return nil
	})
	if err != nil {
		e.log.Error("rollback failed", zap.String("op", op), zap.Error(err))
	}
}

func (e *Engine) dropMedia(ctx context.Context, threadID, clientFileID string) {
	if err := e.cache.DeleteMedia(context.WithoutCancel(ctx), e.holder.Scope(), threadID, clientFileID); err != nil {
		e.log.Warn("drop staged media failed", zap.String("thread", threadID), zap.String("file", clientFileID), zap.Error(err))
	}
}

func successor(mirror *int64, next int64) bool {
	return mirror != nil && *mirror+1 == next
}

func countThreads(s localcache.State) int {
	n := 0
	for id := range s.ThreadsByID {
		if id != thread.DefaultID {
			n++
		}
	}
	return n
}

func validateThreadID(threadID string) error {
	switch {
	case strings.TrimSpace(threadID) == "":
		return fmt.Errorf("%w: thread id is required", thread.ErrValidation)
	case threadID == thread.DefaultID:
		return fmt.Errorf("%w: the default thread cannot be changed", thread.ErrValidation)
	case !util.IsUUID(threadID):
		return fmt.Errorf("%w: thread id must be a UUID", thread.ErrValidation)
	}
	return nil
}

func validateTitle(title string) error {
	if len(title) > thread.MaxTitleLength {
		return fmt.Errorf("%w: title is longer than %d characters", thread.ErrValidation, thread.MaxTitleLength)
	}
	return nil
}

func validateHTTPURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: url must be an http(s) URL", thread.ErrValidation)
	}
	return value, nil
}
