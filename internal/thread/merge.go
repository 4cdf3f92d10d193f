package thread

import "time"

// MergeDraft unions two drafts. Entries known to the server win by item id and
// keep the server's order; entries only present locally follow them.
func MergeDraft(server, local Draft) Draft {
	server = NormalizeDraft(server)
	local = NormalizeDraft(local)

	out := cloneDraft(server)
	seen := make(map[string]struct{}, len(out.Files))
	for _, file := range out.Files {
		seen[file.ItemID] = struct{}{}
	}
	for _, file := range local.Files {
		if _, ok := seen[file.ItemID]; ok {
			continue
		}
		out.Files = append(out.Files, cloneFile(file))
	}
	return out
}

func MergeItems(server, local []Item) []Item {
	out := make([]Item, 0, len(server)+len(local))
	seen := make(map[string]struct{}, len(server))
	for _, item := range server {
		seen[item.ID] = struct{}{}
		out = append(out, cloneItem(item))
	}
	for _, item := range local {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		out = append(out, cloneItem(item))
	}
	return out
}

// Reconcile folds a freshly fetched server record into the local copy of the
// same thread. Version and draft revision never move backwards, local-only
// items and draft entries survive, and the server mirror is replaced by the
// fetched record's stamps.
func Reconcile(local Thread, hasLocal bool, remote Thread) Thread {
	r := Normalize(Clone(remote))
	stamps := StampsOf(r)
	out := r
	if hasLocal {
		l := Normalize(Clone(local))
		out.Items = MergeItems(r.Items, l.Items)
		out.Draft = MergeDraft(r.Draft, l.Draft)
		out.Version = max(r.Version, l.Version)
		out.DraftRev = max(r.DraftRev, l.DraftRev)
		out.UpdatedAt = Later(r.UpdatedAt, l.UpdatedAt)
		out.DraftUpdatedAt = LaterPtr(r.DraftUpdatedAt, l.DraftUpdatedAt)
		if out.CreatedAt.IsZero() {
			out.CreatedAt = l.CreatedAt
		}
	}
	out.Server = stamps
	return out
}

func Later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func LaterPtr(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return cloneTime(b)
	case b == nil:
		return cloneTime(a)
	case b.After(*a):
		return cloneTime(b)
	default:
		return cloneTime(a)
	}
}
