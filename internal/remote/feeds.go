package remote

import "strings"

const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

// TypingCollection is the per-conversation subcollection of typing records.
func TypingCollection(conversationID string) string {
	return CollectionConversations + "/" + strings.TrimSpace(conversationID) + "/typingStatus"
}

func ConversationsForUser(userID string) Query {
	return Query{
		Collection: CollectionConversations,
		Filters:    []Filter{{Field: "participants", Op: OpArrayContains, Value: userID}},
	}
}

func MessagesForConversation(conversationID string) Query {
	return Query{
		Collection: CollectionMessages,
		Filters:    []Filter{{Field: "conversationId", Op: OpEqual, Value: conversationID}},
		OrderBy:    "timestamp",
	}
}

func AllUsers() Query {
	return Query{Collection: CollectionUsers}
}

func TypingForConversation(conversationID string) Query {
	return Query{Collection: TypingCollection(conversationID)}
}
