package models

import (
	"slices"
	"strings"
)

// NormalizeParticipants trims ids, drops empties and duplicates and returns
// them sorted, so two sets compare equal regardless of input order.
func NormalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SameParticipants reports set equality of two participant lists.
func SameParticipants(a, b []string) bool {
	return slices.Equal(NormalizeParticipants(a), NormalizeParticipants(b))
}

// ParticipantKey is a stable key for a participant set and group flag.
func ParticipantKey(ids []string, isGroup bool) string {
	kind := "direct"
	if isGroup {
		kind = "group"
	}
	return kind + ":" + strings.Join(NormalizeParticipants(ids), ",")
}

// OtherParticipants returns the participants of c excluding self, in stored order.
func OtherParticipants(c Conversation, self string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, id := range c.Participants {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
