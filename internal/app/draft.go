package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"happysrt/api/internal/blob"
	"happysrt/api/internal/events"
	"happysrt/api/internal/metrics"
	"happysrt/api/internal/quota"
	"happysrt/api/internal/store"
	"happysrt/api/internal/thread"
	"happysrt/api/internal/util"
)

const videoNote = "Video stays on this device; only extracted audio is uploaded."

type UploadDraftInput struct {
	ThreadID     string
	ItemID       string
	ClientFileID string
	SourceType   string
	URL          string
	Local        *thread.LocalMeta
	File         io.Reader
	Filename     string
	Mime         string
	Size         int64
}

type DraftResult struct {
	ThreadID       string            `json:"threadId"`
	ItemID         string            `json:"itemId"`
	DraftRev       int64             `json:"draftRev"`
	DraftUpdatedAt time.Time         `json:"draftUpdatedAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	DraftFile      *thread.DraftFile `json:"draftFile,omitempty"`
	Storage        *StorageUsage     `json:"storage,omitempty"`
}

// UploadDraft stages one media entry in a thread's draft. Audio bytes go to
// object storage under the owner's quota; video stays on the device and URLs
// are only recorded. Guests get their thread row created on first upload.
func (s *Service) UploadDraft(ctx context.Context, caller Caller, input UploadDraftInput) (DraftResult, error) {
	threadID, err := validateThreadID(input.ThreadID)
	if err != nil {
		return DraftResult{}, err
	}
	itemID := strings.TrimSpace(input.ItemID)
	if !util.IsUUID(itemID) {
		return DraftResult{}, validationError("itemId must be a UUID")
	}
	clientFileID := strings.TrimSpace(input.ClientFileID)
	if clientFileID == "" {
		return DraftResult{}, validationError("clientFileId is required")
	}
	sourceType := strings.TrimSpace(input.SourceType)
	if sourceType == "" {
		sourceType = thread.SourceUpload
	}
	if sourceType != thread.SourceUpload && sourceType != thread.SourceURL {
		return DraftResult{}, validationError("sourceType must be upload or url")
	}

	ownerID := caller.Owner.ID()
	if caller.Owner.IsGuest() {
		if err := s.store.EnsureThread(ctx, ownerID, threadID, thread.NewThreadTitle); err != nil {
			return DraftResult{}, err
		}
	} else {
		exists, err := s.store.ThreadExists(ctx, ownerID, threadID)
		if err != nil {
			return DraftResult{}, err
		}
		if !exists {
			return DraftResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
		}
	}

	now := s.now().UTC()
	entry := thread.DraftFile{
		ItemID:       itemID,
		ClientFileID: clientFileID,
		SourceType:   sourceType,
		Local:        input.Local,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var stored *thread.RemoteObject
	switch {
	case sourceType == thread.SourceURL:
		link, err := validateHTTPURL(input.URL)
		if err != nil {
			return DraftResult{}, err
		}
		entry.URL = link
		entry.Stage = thread.StageLinked
	case isVideo(input):
		entry.Stage = thread.StageLocalVideo
		entry.Note = videoNote
		if entry.Local != nil {
			entry.Local.IsVideo = true
		}
	default:
		stored, err = s.storeAudio(ctx, caller, threadID, itemID, input)
		if err != nil {
			return DraftResult{}, err
		}
		entry.Audio = &thread.Audio{B2: stored}
		entry.Stage = thread.StageUploaded
	}

	var replaced *thread.RemoteObject
	commit, err := s.store.MutateDraft(ctx, ownerID, threadID, func(draft *thread.Draft) error {
		existing, index, ok := draft.Find(itemID)
		if !ok {
			draft.Files = append([]thread.DraftFile{entry}, draft.Files...)
			return nil
		}
		entry.CreatedAt = existing.CreatedAt
		if existing.Audio != nil && existing.Audio.B2 != nil && (stored == nil || existing.Audio.B2.Key != stored.Key) {
			replaced = existing.Audio.B2
		}
		draft.Files[index] = entry
		return nil
	})
	if err != nil {
		if stored != nil {
			s.discardObject(ctx, ownerID, *stored)
		}
		return DraftResult{}, err
	}
	if replaced != nil {
		s.discardObject(ctx, ownerID, *replaced)
	}

	usage, err := s.Usage(ctx, caller)
	if err != nil {
		s.log.Warn("storage usage lookup failed", zap.String("owner", ownerID), zap.Error(err))
		usage = StorageUsage{UsedBytes: -1, LimitBytes: s.limits().BytesFor(caller.Plan)}
	}

	metrics.ThreadMutations.WithLabelValues("draft_upload").Inc()
	event := events.Event{
		Type:     events.DraftUploaded,
		OwnerID:  ownerID,
		ThreadID: threadID,
		ItemID:   itemID,
		Stage:    entry.Stage,
		DraftRev: commit.DraftRev,
	}
	if stored != nil {
		event.ObjectKey = stored.Key
	}
	s.publish(ctx, event)

	return DraftResult{
		ThreadID:       threadID,
		ItemID:         itemID,
		DraftRev:       commit.DraftRev,
		DraftUpdatedAt: commit.DraftUpdatedAt,
		UpdatedAt:      commit.UpdatedAt,
		DraftFile:      &entry,
		Storage:        &usage,
	}, nil
}

// storeAudio reserves quota, writes the object and activates the ledger row.
// Any failure after the reservation leaves no live object behind.
func (s *Service) storeAudio(ctx context.Context, caller Caller, threadID, itemID string, input UploadDraftInput) (*thread.RemoteObject, error) {
	if input.File == nil {
		return nil, validationError("file is required")
	}
	if input.Size <= 0 {
		return nil, validationError("file is empty")
	}
	if maxBytes := s.maxUploadBytes(); input.Size > maxBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload size limit", map[string]any{"maxBytes": maxBytes})
	}
	if s.objects == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}

	ownerID := caller.Owner.ID()
	filename := util.SanitizeFilename(input.Filename)
	mime := strings.TrimSpace(input.Mime)
	if mime == "" && input.Local != nil {
		mime = input.Local.Mime
	}
	objectID := util.NewID()
	obj := store.MediaObject{
		ObjectID:  objectID,
		OwnerID:   ownerID,
		ThreadID:  threadID,
		ItemID:    itemID,
		ObjectKey: blob.ObjectKey(ownerID, threadID, itemID, objectID, filename),
		Filename:  filename,
		Mime:      mime,
		Bytes:     input.Size,
	}

	ttl := s.cfg.PendingUploadTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if _, err := s.store.ReserveMedia(ctx, obj, s.limits().BytesFor(caller.Plan), ttl); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.LimitRejections.WithLabelValues("storage").Inc()
		}
		return nil, err
	}

	if err := s.objects.Put(ctx, obj.ObjectKey, input.File, input.Size, mime); err != nil {
		if failErr := s.store.FailMedia(ctx, ownerID, objectID); failErr != nil {
			s.log.Warn("mark media failed", zap.String("object", objectID), zap.Error(failErr))
		}
		return nil, err
	}
	if err := s.store.ActivateMedia(ctx, ownerID, objectID); err != nil {
		if delErr := s.objects.Delete(ctx, obj.ObjectKey); delErr != nil {
			s.log.Warn("delete unactivated object failed", zap.String("key", obj.ObjectKey), zap.Error(delErr))
		}
		return nil, err
	}
	metrics.UploadedBytes.Add(float64(input.Size))

	return &thread.RemoteObject{
		Key:      obj.ObjectKey,
		Bytes:    obj.Bytes,
		Mime:     mime,
		Filename: filename,
		ObjectID: objectID,
	}, nil
}

func (s *Service) DeleteDraft(ctx context.Context, caller Caller, threadID, itemID string) (DraftResult, error) {
	threadID, err := validateThreadID(threadID)
	if err != nil {
		return DraftResult{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if !util.IsUUID(itemID) {
		return DraftResult{}, validationError("itemId must be a UUID")
	}

	ownerID := caller.Owner.ID()
	var removed thread.DraftFile
	commit, err := s.store.MutateDraft(ctx, ownerID, threadID, func(draft *thread.Draft) error {
		existing, index, ok := draft.Find(itemID)
		if !ok {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Draft file not found", nil)
		}
		removed = existing
		draft.Files = append(draft.Files[:index], draft.Files[index+1:]...)
		return nil
	})
	if err != nil {
		return DraftResult{}, err
	}
	if removed.Audio != nil && removed.Audio.B2 != nil {
		s.discardObject(ctx, ownerID, *removed.Audio.B2)
	}

	metrics.ThreadMutations.WithLabelValues("draft_delete").Inc()
	s.publish(ctx, events.Event{Type: events.DraftDeleted, OwnerID: ownerID, ThreadID: threadID, ItemID: itemID, DraftRev: commit.DraftRev})
	return DraftResult{
		ThreadID:       threadID,
		ItemID:         itemID,
		DraftRev:       commit.DraftRev,
		DraftUpdatedAt: commit.DraftUpdatedAt,
		UpdatedAt:      commit.UpdatedAt,
	}, nil
}

// discardObject removes an object and retires its ledger row, logging rather
// than failing since the draft write already decided the outcome.
func (s *Service) discardObject(ctx context.Context, ownerID string, obj thread.RemoteObject) {
	if s.objects != nil {
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			s.log.Warn("delete object failed", zap.String("key", obj.Key), zap.Error(err))
		}
	}
	if obj.ObjectID == "" {
		return
	}
	if err := s.store.MarkMediaDeleted(ctx, ownerID, obj.ObjectID); err != nil {
		s.log.Warn("mark media deleted failed", zap.String("object", obj.ObjectID), zap.Error(err))
	}
}

func (s *Service) maxUploadBytes() int64 {
	if s.cfg.MaxUploadBytes > 0 {
		return s.cfg.MaxUploadBytes
	}
	return quota.MaxUploadBytes
}

func isVideo(input UploadDraftInput) bool {
	if input.Local != nil && (input.Local.IsVideo || thread.IsVideoMime(input.Local.Mime)) {
		return true
	}
	return thread.IsVideoMime(input.Mime)
}
