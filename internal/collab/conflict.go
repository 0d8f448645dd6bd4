package collab

import (
	"time"

	"rundown/api/internal/store"
)

// Resolution records how a conflict was (or will be) settled.
type Resolution string

const (
	// ResolutionPending means the conflict is surfaced and waiting for the
	// caller (user prompt or policy) to adjudicate.
	ResolutionPending Resolution = "pending"
	// ResolutionRemote means the remote value was accepted.
	ResolutionRemote Resolution = "remote"
	// ResolutionLocal means the local value was kept.
	ResolutionLocal Resolution = "local"
)

// Conflict is one divergent (item, field) pair found under a live pending
// edit. Retained briefly for display, then cleared.
type Conflict struct {
	ItemID     string     `json:"item_id"`
	Field      string     `json:"field"`
	Local      string     `json:"local"`
	Remote     string     `json:"remote"`
	DetectedAt time.Time  `json:"detected_at"`
	Resolution Resolution `json:"resolution"`
	Resolved   bool       `json:"resolved"`
}

// PendingLookup reports the live pending local value for (itemID, field).
// Item-level lookups use the item id; rundown-level fields use "".
type PendingLookup func(itemID, field string) (string, bool)

// MergeResult is the outcome of merging a remote rundown state into the
// local one.
type MergeResult struct {
	Success      bool
	HadConflicts bool
	Merged       []store.Item
	Conflicts    []Conflict
}

// DetectConflicts compares every item present in both lists, field by field.
// Divergence alone is not a conflict: a pair is conflicting only when the
// remote value differs from the local base value (the remote writer actually
// changed the field) AND a live pending edit exists for exactly that pair
// whose value also differs from the remote one. Fields the local user never
// touched take the remote value silently, and a remote save that left a field
// alone never challenges the pending edit riding on it.
func DetectConflicts(remote, local []store.Item, pending PendingLookup) []Conflict {
	localByID := make(map[string]store.Item, len(local))
	for _, it := range local {
		localByID[it.ID] = it
	}

	var conflicts []Conflict
	now := time.Now()
	for _, remoteItem := range remote {
		localItem, ok := localByID[remoteItem.ID]
		if !ok {
			continue
		}
		for _, field := range unionFields(remoteItem, localItem) {
			pendingValue, live := pending(remoteItem.ID, field)
			if !live {
				continue
			}
			remoteValue := remoteItem.Field(field)
			if pendingValue == remoteValue {
				continue
			}
			if localItem.Field(field) == remoteValue {
				// The remote writer never touched this field.
				continue
			}
			conflicts = append(conflicts, Conflict{
				ItemID:     remoteItem.ID,
				Field:      field,
				Local:      pendingValue,
				Remote:     remoteValue,
				DetectedAt: now,
				Resolution: ResolutionPending,
			})
		}
	}
	return conflicts
}

// Resolve merges a freshly arrived remote item list against the local list
// and the pending-edit overlay.
//
// Policy: remote wins per field, except where a live pending edit diverges —
// those fields keep the pending local value in the merged output and are
// surfaced as conflicts for adjudication. The item set is a union: items
// present locally but absent remotely (created offline or before the remote
// snapshot) are appended, never dropped. Remote ordering wins for shared
// items.
func Resolve(remote, local []store.Item, pending PendingLookup) MergeResult {
	conflicts := DetectConflicts(remote, local, pending)
	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[changeKey(c.ItemID, c.Field)] = true
	}

	remoteIDs := make(map[string]bool, len(remote))
	merged := make([]store.Item, 0, len(remote))
	for _, remoteItem := range remote {
		remoteIDs[remoteItem.ID] = true
		out := remoteItem.Clone()
		for _, field := range store.FieldsOf(remoteItem) {
			if !conflicted[changeKey(remoteItem.ID, field)] {
				continue
			}
			if pendingValue, live := pending(remoteItem.ID, field); live {
				out.SetField(field, pendingValue)
			}
		}
		merged = append(merged, out)
	}

	for _, localItem := range local {
		if !remoteIDs[localItem.ID] {
			merged = append(merged, localItem.Clone())
		}
	}

	return MergeResult{
		Success:      true,
		HadConflicts: len(conflicts) > 0,
		Merged:       merged,
		Conflicts:    conflicts,
	}
}

func unionFields(a, b store.Item) []string {
	fields := store.FieldsOf(a)
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f] = true
	}
	for custom := range b.Custom {
		if !seen[custom] {
			fields = append(fields, custom)
		}
	}
	return fields
}
