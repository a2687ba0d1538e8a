package conversation

import (
	"strings"

	"aim-chat/chat-sync/pkg/models"
)

const (
	DefaultGroupName = "Group Chat"
	UnknownUserName  = "Unknown User"
)

// UserLookup resolves user ids against the presence feed.
type UserLookup interface {
	User(uid string) (models.User, bool)
}

// DisplayName is the group name for groups and the other member's username
// for direct conversations.
func DisplayName(c models.Conversation, self string, users UserLookup) string {
	if c.IsGroup {
		if name := strings.TrimSpace(c.GroupName); name != "" {
			return name
		}
		return DefaultGroupName
	}
	for _, id := range models.OtherParticipants(c, self) {
		if users == nil {
			break
		}
		if u, ok := users.User(id); ok && strings.TrimSpace(u.Username) != "" {
			return u.Username
		}
	}
	return UnknownUserName
}

// Members resolves the participants of c other than self; unknown ids are skipped.
func Members(c models.Conversation, self string, users UserLookup) []models.User {
	others := models.OtherParticipants(c, self)
	out := make([]models.User, 0, len(others))
	if users == nil {
		return out
	}
	for _, id := range others {
		if u, ok := users.User(id); ok {
			out = append(out, u)
		}
	}
	return out
}

// Search filters conversations whose display name contains query, ignoring case.
// An empty query returns the input.
func Search(convs []models.Conversation, query, self string, users UserLookup) []models.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return convs
	}
	out := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		if strings.Contains(strings.ToLower(DisplayName(c, self, users)), query) {
			out = append(out, c)
		}
	}
	return out
}
