package remote

import (
	"fmt"
	"strings"
	"time"

	"aim-chat/chat-sync/pkg/models"
)

// DecodeUser validates a users/{uid} document.
func DecodeUser(doc Document) (models.User, error) {
	uid, err := optionalString(doc.Fields, "uid")
	if err != nil {
		return models.User{}, err
	}
	if uid == "" {
		uid = strings.TrimSpace(doc.ID)
	}
	if uid == "" {
		return models.User{}, malformed("uid", "missing")
	}
	u := models.User{UID: uid}
	if u.Username, err = optionalString(doc.Fields, "username"); err != nil {
		return models.User{}, err
	}
	if u.Email, err = optionalString(doc.Fields, "email"); err != nil {
		return models.User{}, err
	}
	if u.IsOnline, err = optionalBool(doc.Fields, "isOnline"); err != nil {
		return models.User{}, err
	}
	if u.LastSeen, err = optionalTime(doc.Fields, "lastSeen"); err != nil {
		return models.User{}, err
	}
	if u.CreatedAt, err = optionalTime(doc.Fields, "createdAt"); err != nil {
		return models.User{}, err
	}
	if u.Avatar, err = optionalString(doc.Fields, "avatar"); err != nil {
		return models.User{}, err
	}
	return u, nil
}

// DecodeConversation validates a conversations/{id} document. Direct
// conversations must have exactly two participants.
func DecodeConversation(doc Document) (models.Conversation, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return models.Conversation{}, malformed("id", "missing")
	}
	participants, err := optionalStrings(doc.Fields, "participants")
	if err != nil {
		return models.Conversation{}, err
	}
	if len(participants) == 0 {
		return models.Conversation{}, malformed("participants", "empty")
	}
	c := models.Conversation{ID: doc.ID, Participants: participants}
	if c.IsGroup, err = optionalBool(doc.Fields, "isGroup"); err != nil {
		return models.Conversation{}, err
	}
	if !c.IsGroup && len(models.NormalizeParticipants(participants)) != 2 {
		return models.Conversation{}, malformed("participants", "direct conversation needs two members")
	}
	if c.GroupName, err = optionalString(doc.Fields, "groupName"); err != nil {
		return models.Conversation{}, err
	}
	if !c.IsGroup {
		c.GroupName = ""
	}
	if c.LastMessage, err = optionalString(doc.Fields, "lastMessage"); err != nil {
		return models.Conversation{}, err
	}
	if c.LastMessageTime, err = optionalTime(doc.Fields, "lastMessageTime"); err != nil {
		return models.Conversation{}, err
	}
	if c.CreatedBy, err = optionalString(doc.Fields, "createdBy"); err != nil {
		return models.Conversation{}, err
	}
	if c.CreatedAt, err = optionalTime(doc.Fields, "createdAt"); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// DecodeMessage validates a messages/{id} document.
func DecodeMessage(doc Document) (models.Message, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return models.Message{}, malformed("id", "missing")
	}
	m := models.Message{ID: doc.ID}
	var err error
	if m.ConversationID, err = requiredString(doc.Fields, "conversationId"); err != nil {
		return models.Message{}, err
	}
	if m.SenderID, err = requiredString(doc.Fields, "senderId"); err != nil {
		return models.Message{}, err
	}
	if m.Content, err = optionalString(doc.Fields, "content"); err != nil {
		return models.Message{}, err
	}
	rawType, err := optionalString(doc.Fields, "messageType")
	if err != nil {
		return models.Message{}, err
	}
	m.MessageType = models.NormalizeMessageType(rawType)
	if !m.MessageType.Valid() {
		return models.Message{}, malformed("messageType", rawType)
	}
	if m.Timestamp, err = optionalTime(doc.Fields, "timestamp"); err != nil {
		return models.Message{}, err
	}
	if m.ReadBy, err = optionalStrings(doc.Fields, "readBy"); err != nil {
		return models.Message{}, err
	}
	if m.ReplyTo, err = decodeReplyTo(doc.Fields["replyTo"]); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// DecodeTypingStatus validates a conversations/{id}/typingStatus/{uid} document.
func DecodeTypingStatus(conversationID string, doc Document) (models.TypingStatus, error) {
	uid, err := optionalString(doc.Fields, "userId")
	if err != nil {
		return models.TypingStatus{}, err
	}
	if uid == "" {
		uid = strings.TrimSpace(doc.ID)
	}
	if uid == "" {
		return models.TypingStatus{}, malformed("userId", "missing")
	}
	isTyping, err := optionalBool(doc.Fields, "isTyping")
	if err != nil {
		return models.TypingStatus{}, err
	}
	return models.TypingStatus{ConversationID: conversationID, UserID: uid, IsTyping: isTyping}, nil
}

func decodeReplyTo(raw any) (*models.ReplyTo, error) {
	if raw == nil {
		return nil, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed("replyTo", fmt.Sprintf("unexpected %T", raw))
	}
	id, err := requiredString(fields, "messageId")
	if err != nil {
		return nil, err
	}
	reply := &models.ReplyTo{MessageID: id}
	if reply.SenderID, err = optionalString(fields, "senderId"); err != nil {
		return nil, err
	}
	if reply.Content, err = optionalString(fields, "content"); err != nil {
		return nil, err
	}
	rawType, err := optionalString(fields, "messageType")
	if err != nil {
		return nil, err
	}
	reply.MessageType = models.NormalizeMessageType(rawType)
	return reply, nil
}

// NewConversationFields builds the creation payload for conversations/{id}.
func NewConversationFields(participants []string, isGroup bool, groupName, createdBy string) map[string]any {
	var name any
	if isGroup {
		name = groupName
	}
	return map[string]any{
		"participants":    stringsToAny(participants),
		"isGroup":         isGroup,
		"groupName":       name,
		"lastMessage":     nil,
		"lastMessageTime": ServerTimestamp,
		"createdAt":       ServerTimestamp,
		"createdBy":       createdBy,
	}
}

// NewMessageFields builds the append payload for messages; readBy starts with the sender.
func NewMessageFields(conversationID, senderID, content string, messageType models.MessageType, replyTo *models.ReplyTo) map[string]any {
	fields := map[string]any{
		"conversationId": conversationID,
		"senderId":       senderID,
		"content":        content,
		"messageType":    string(messageType),
		"timestamp":      ServerTimestamp,
		"readBy":         []any{senderID},
	}
	if replyTo != nil {
		fields["replyTo"] = map[string]any{
			"messageId":   replyTo.MessageID,
			"senderId":    replyTo.SenderID,
			"content":     replyTo.Content,
			"messageType": string(replyTo.MessageType),
		}
	}
	return fields
}

func TypingFields(userID string) map[string]any {
	return map[string]any{"isTyping": true, "userId": userID}
}

// PreviewUpdates refreshes the denormalized newest-message cache of a conversation.
func PreviewUpdates(content string) []FieldUpdate {
	return []FieldUpdate{
		SetField("lastMessage", content),
		SetField("lastMessageTime", ServerTimestamp),
	}
}

func PresenceUpdates(online bool) []FieldUpdate {
	return []FieldUpdate{
		SetField("isOnline", online),
		SetField("lastSeen", ServerTimestamp),
	}
}

func malformed(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedDocument, field, reason)
}

func requiredString(fields map[string]any, name string) (string, error) {
	v, err := optionalString(fields, name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", malformed(name, "missing")
	}
	return v, nil
}

func optionalString(fields map[string]any, name string) (string, error) {
	switch v := fields[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", malformed(name, fmt.Sprintf("unexpected %T", v))
	}
}

func optionalBool(fields map[string]any, name string) (bool, error) {
	switch v := fields[name].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, malformed(name, fmt.Sprintf("unexpected %T", v))
	}
}

// optionalTime accepts store timestamps, RFC 3339 strings and epoch milliseconds.
// A missing value decodes to the zero time (server timestamp not yet resolved).
func optionalTime(fields map[string]any, name string) (time.Time, error) {
	switch v := fields[name].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, malformed(name, err.Error())
		}
		return t.UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, malformed(name, fmt.Sprintf("unexpected %T", v))
	}
}

func optionalStrings(fields map[string]any, name string) ([]string, error) {
	switch v := fields[name].(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, malformed(name, fmt.Sprintf("unexpected element %T", item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, malformed(name, fmt.Sprintf("unexpected %T", v))
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
