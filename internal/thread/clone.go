package thread

import (
	"encoding/json"
	"time"
)

// Clone returns a deep copy that shares no memory with t.
func Clone(t Thread) Thread {
	out := t
	if t.Items != nil {
		out.Items = make([]Item, len(t.Items))
		for i, item := range t.Items {
			out.Items[i] = cloneItem(item)
		}
	}
	out.Draft = cloneDraft(t.Draft)
	out.DraftUpdatedAt = cloneTime(t.DraftUpdatedAt)
	out.Server = cloneStamps(t.Server)
	return out
}

func cloneItem(item Item) Item {
	item.Payload = cloneRaw(item.Payload)
	return item
}

func cloneDraft(d Draft) Draft {
	out := d
	out.Shared = cloneRaw(d.Shared)
	if d.Files != nil {
		out.Files = make([]DraftFile, len(d.Files))
		for i, file := range d.Files {
			out.Files[i] = cloneFile(file)
		}
	}
	return out
}

func cloneFile(f DraftFile) DraftFile {
	if f.Local != nil {
		local := *f.Local
		f.Local = &local
	}
	if f.Audio != nil {
		audio := Audio{}
		if f.Audio.B2 != nil {
			b2 := *f.Audio.B2
			audio.B2 = &b2
		}
		f.Audio = &audio
	}
	return f
}

func cloneStamps(s Stamps) Stamps {
	out := Stamps{
		UpdatedAt:      cloneTime(s.UpdatedAt),
		DraftUpdatedAt: cloneTime(s.DraftUpdatedAt),
	}
	if s.Version != nil {
		v := *s.Version
		out.Version = &v
	}
	if s.DraftRev != nil {
		v := *s.DraftRev
		out.DraftRev = &v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
