// Package thread holds the thread and draft records shared by the server and
// the local-first client, plus the normalizer and merge rules applied to them.
package thread

import (
	"encoding/json"
	"time"
)

const (
	DefaultID      = "default"
	DefaultTitle   = "Default (How it works)"
	NewThreadTitle = "New Thread"
	MaxTitleLength = 200

	KindTutorial = "tutorial"
	KindThread   = "thread"

	DraftStatusStaging = "staging"
	DraftModeBatch     = "batch"

	SourceUpload = "upload"
	SourceURL    = "url"

	StageUploading  = "uploading"
	StageUploaded   = "uploaded"
	StageLocalVideo = "local_video"
	StageLinked     = "linked"
)

type Thread struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Kind           string     `json:"kind"`
	Items          []Item     `json:"items"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Draft          Draft      `json:"draft"`
	DraftRev       int64      `json:"draftRev"`
	DraftUpdatedAt *time.Time `json:"draftUpdatedAt"`
	Server         Stamps     `json:"server"`
}

type Item struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Draft struct {
	Status string          `json:"status"`
	Mode   string          `json:"mode"`
	Shared json.RawMessage `json:"shared"`
	Files  []DraftFile     `json:"files"`
}

type DraftFile struct {
	ItemID       string     `json:"itemId"`
	ClientFileID string     `json:"clientFileId"`
	SourceType   string     `json:"sourceType"`
	Local        *LocalMeta `json:"local,omitempty"`
	URL          string     `json:"url,omitempty"`
	Audio        *Audio     `json:"audio,omitempty"`
	Stage        string     `json:"stage"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// LocalMeta describes the file as the device saw it. LastModified is in
// milliseconds since the epoch.
type LocalMeta struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Mime         string `json:"mime"`
	LastModified int64  `json:"lastModified,omitempty"`
	IsVideo      bool   `json:"isVideo"`
}

type Audio struct {
	B2 *RemoteObject `json:"b2,omitempty"`
}

type RemoteObject struct {
	Key      string `json:"key"`
	Bytes    int64  `json:"bytes"`
	Mime     string `json:"mime"`
	Filename string `json:"filename"`
	ObjectID string `json:"objectId"`
}

// Stamps mirrors the last authoritative values seen for a thread. A nil field
// means the value was never observed.
type Stamps struct {
	UpdatedAt      *time.Time `json:"updatedAt"`
	DraftUpdatedAt *time.Time `json:"draftUpdatedAt"`
	Version        *int64     `json:"version"`
	DraftRev       *int64     `json:"draftRev"`
}

type IndexRow struct {
	ThreadID       string     `json:"threadId"`
	Title          string     `json:"title"`
	Version        int64      `json:"version"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt"`
	DraftRev       int64      `json:"draftRev"`
	DraftUpdatedAt *time.Time `json:"draftUpdatedAt"`
}

type Index struct {
	ServerTime time.Time  `json:"serverTime"`
	Threads    []IndexRow `json:"threads"`
}

func New(id, title string, now time.Time) Thread {
	now = now.UTC()
	return Normalize(Thread{
		ID:        id,
		Title:     title,
		Kind:      KindThread,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Default returns the local tutorial thread every scope starts with.
func Default(now time.Time) Thread {
	t := New(DefaultID, DefaultTitle, now)
	t.Kind = KindTutorial
	return t
}

// StampsOf reads the authoritative stamps off a server record.
func StampsOf(t Thread) Stamps {
	updatedAt := t.UpdatedAt
	version := t.Version
	draftRev := t.DraftRev
	return Stamps{
		UpdatedAt:      &updatedAt,
		DraftUpdatedAt: cloneTime(t.DraftUpdatedAt),
		Version:        &version,
		DraftRev:       &draftRev,
	}
}

func (r IndexRow) Stamps() Stamps {
	updatedAt := r.UpdatedAt
	version := r.Version
	draftRev := r.DraftRev
	return Stamps{
		UpdatedAt:      &updatedAt,
		DraftUpdatedAt: cloneTime(r.DraftUpdatedAt),
		Version:        &version,
		DraftRev:       &draftRev,
	}
}

// Matches reports whether the row carries exactly the mirrored stamps. An
// unobserved mirror never matches.
func (s Stamps) Matches(row IndexRow) bool {
	if s.Version == nil || s.DraftRev == nil || s.UpdatedAt == nil {
		return false
	}
	if *s.Version != row.Version || *s.DraftRev != row.DraftRev {
		return false
	}
	if !s.UpdatedAt.Equal(row.UpdatedAt) {
		return false
	}
	return sameTime(s.DraftUpdatedAt, row.DraftUpdatedAt)
}

func (d Draft) Find(itemID string) (DraftFile, int, bool) {
	for i, file := range d.Files {
		if file.ItemID == itemID {
			return file, i, true
		}
	}
	return DraftFile{}, -1, false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
