package models

import (
	"slices"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	default:
		return false
	}
}

// NormalizeMessageType maps an empty type to text and leaves unknown values
// untouched so callers can reject them.
func NormalizeMessageType(raw string) MessageType {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return MessageTypeText
	}
	return MessageType(raw)
}

type User struct {
	UID       string    `json:"uid"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
	Avatar    string    `json:"avatar,omitempty"`
}

type Conversation struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	IsGroup         bool      `json:"isGroup"`
	GroupName       string    `json:"groupName,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	CreatedBy       string    `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (c Conversation) HasParticipant(uid string) bool {
	return slices.Contains(c.Participants, uid)
}

// ReplyTo is the denormalized copy of a replied-to message captured at send time.
type ReplyTo struct {
	MessageID   string      `json:"messageId"`
	SenderID    string      `json:"senderId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	Timestamp      time.Time   `json:"timestamp"`
	ReadBy         []string    `json:"readBy"`
	ReplyTo        *ReplyTo    `json:"replyTo,omitempty"`
}

func (m Message) IsReadBy(uid string) bool {
	return slices.Contains(m.ReadBy, uid)
}

// SnapshotForReply captures the fields a reply keeps even if m is later removed.
func (m Message) SnapshotForReply() ReplyTo {
	return ReplyTo{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		MessageType: m.MessageType,
	}
}

// TypingStatus exists only while UserID is composing in ConversationID.
type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}
