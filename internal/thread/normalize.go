package thread

import (
	"bytes"
	"encoding/json"
	"strings"
)

var emptyObject = json.RawMessage(`{}`)

// Normalize fills every structural default a thread record may be missing.
// It never fails and never discards a value that is present; duplicate draft
// entries for the same item collapse onto the first occurrence. Entries
// without an item id are kept as they are.
func Normalize(t Thread) Thread {
	if t.Kind == "" {
		if t.ID == DefaultID {
			t.Kind = KindTutorial
		} else {
			t.Kind = KindThread
		}
	}
	if t.Items == nil {
		t.Items = []Item{}
	}
	if t.Version < 1 {
		t.Version = 1
	}
	if t.DraftRev < 0 {
		t.DraftRev = 0
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Draft = NormalizeDraft(t.Draft)
	return t
}

func NormalizeDraft(d Draft) Draft {
	if d.Status == "" {
		d.Status = DraftStatusStaging
	}
	if d.Mode == "" {
		d.Mode = DraftModeBatch
	}
	trimmed := bytes.TrimSpace(d.Shared)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		d.Shared = emptyObject
	}

	files := make([]DraftFile, 0, len(d.Files))
	seen := make(map[string]struct{}, len(d.Files))
	for _, file := range d.Files {
		if file.ItemID != "" {
			if _, dup := seen[file.ItemID]; dup {
				continue
			}
			seen[file.ItemID] = struct{}{}
		}
		files = append(files, normalizeFile(file))
	}
	d.Files = files
	return d
}

func normalizeFile(f DraftFile) DraftFile {
	if f.SourceType == "" {
		if f.URL != "" {
			f.SourceType = SourceURL
		} else {
			f.SourceType = SourceUpload
		}
	}
	if f.Stage == "" {
		switch {
		case f.Audio != nil && f.Audio.B2 != nil:
			f.Stage = StageUploaded
		case f.SourceType == SourceURL:
			f.Stage = StageLinked
		case f.Local != nil && (f.Local.IsVideo || IsVideoMime(f.Local.Mime)):
			f.Stage = StageLocalVideo
		default:
			f.Stage = StageUploading
		}
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = f.UpdatedAt
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	return f
}

func IsVideoMime(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "video/")
}
