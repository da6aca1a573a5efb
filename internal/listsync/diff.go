package listsync

import (
	"time"

	"listgate/internal/models"
	"listgate/internal/store"
	"listgate/internal/twitter"
)

// Diff partitions the remote and local member sets into the changes that make
// local state match the remote list. Every remote member lands in exactly one
// of Add or Confirm; every local member absent from the remote set lands in
// Remove. Remote duplicates (same handle twice in a page set) collapse to the
// first occurrence.
func Diff(remote []twitter.Member, local []models.ListMember, now time.Time) store.SyncChanges {
	var changes store.SyncChanges

	byHandle := make(map[string]models.ListMember, len(local))
	for _, m := range local {
		byHandle[m.Handle] = m
	}

	seen := make(map[string]bool, len(remote))
	for _, rm := range remote {
		handle := models.NormalizeHandle(rm.Handle)
		if handle == "" || seen[handle] {
			continue
		}
		seen[handle] = true

		existing, ok := byHandle[handle]
		if !ok {
			changes.Add = append(changes.Add, models.ListMember{
				Handle:          handle,
				DisplayName:     rm.DisplayName,
				Source:          models.SourceSynced,
				AddedAt:         now,
				LastConfirmedAt: now,
			})
			continue
		}
		changes.Confirm = append(changes.Confirm, store.MemberUpdate{
			Handle:      handle,
			DisplayName: rm.DisplayName,
			Changed:     existing.DisplayName != rm.DisplayName,
		})
	}

	for _, m := range local {
		if !seen[m.Handle] {
			changes.Remove = append(changes.Remove, m.Handle)
		}
	}
	return changes
}
