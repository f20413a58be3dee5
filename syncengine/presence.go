package syncengine

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// PresenceEntry is one user attached to a realtime channel.
// JoinedAt marshals as ISO-8601 (RFC 3339).
type PresenceEntry struct {
	UserId      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarUrl   string    `json:"avatarUrl,omitempty"`
	Team        string    `json:"team,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type PresenceEventKind string

const (
	// sync replaces the entire presence set for the channel
	PresenceEventKindSync PresenceEventKind = "sync"
	// join/leave are incremental deltas applied to the existing set
	PresenceEventKindJoin  PresenceEventKind = "join"
	PresenceEventKindLeave PresenceEventKind = "leave"
)

type PresenceEvent struct {
	Kind    PresenceEventKind
	Entries []PresenceEntry
}

// applyPresenceEvent is a pure transition over the presence set, keyed by
// user id. Sync always fully supersedes prior incremental state.
func applyPresenceEvent(state map[string]PresenceEntry, event PresenceEvent) map[string]PresenceEntry {
	switch event.Kind {
	case PresenceEventKindSync:
		next := map[string]PresenceEntry{}
		for _, entry := range event.Entries {
			next[entry.UserId] = entry
		}
		return next
	case PresenceEventKindJoin:
		next := copyMap(state)
		for _, entry := range event.Entries {
			next[entry.UserId] = entry
		}
		return next
	case PresenceEventKindLeave:
		next := copyMap(state)
		for _, entry := range event.Entries {
			delete(next, entry.UserId)
		}
		return next
	default:
		return state
	}
}

// sorted by user id for a stable view
func presenceEntries(state map[string]PresenceEntry) []PresenceEntry {
	userIds := maps.Keys(state)
	slices.Sort(userIds)
	entries := make([]PresenceEntry, 0, len(userIds))
	for _, userId := range userIds {
		entries = append(entries, state[userId])
	}
	return entries
}
