// Package timeline orders a conversation's messages and derives section
// breaks, reply previews and read receipts from them.
package timeline

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/pkg/models"
)

// SectionGap is the largest gap between consecutive messages that does not
// start a new section.
const SectionGap = 5 * time.Minute

const ReplyUnavailable = "[Message not available]"

type Receipt int

const (
	ReceiptNone Receipt = iota
	ReceiptDelivered
	ReceiptRead
)

func (r Receipt) String() string {
	switch r {
	case ReceiptDelivered:
		return "delivered"
	case ReceiptRead:
		return "read"
	default:
		return ""
	}
}

type ReplySource int

const (
	ReplyLive ReplySource = iota
	ReplySnapshot
	ReplyMissing
)

type ResolvedReply struct {
	MessageID   string
	SenderID    string
	Content     string
	MessageType models.MessageType
	Source      ReplySource
}

// Entry is one message as rendered in the timeline.
type Entry struct {
	models.Message
	SectionBreak bool
	Reply        *ResolvedReply
	Receipt      Receipt
}

// Ordered returns messages sorted by timestamp ascending. The sort is stable,
// so equal timestamps keep input order. Messages without a timestamp yet sort
// last.
func Ordered(messages []models.Message) []models.Message {
	out := slices.Clone(messages)
	slices.SortStableFunc(out, func(a, b models.Message) int {
		switch {
		case a.Timestamp.IsZero() && b.Timestamp.IsZero():
			return 0
		case a.Timestamp.IsZero():
			return 1
		case b.Timestamp.IsZero():
			return -1
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// SectionBreaks lists the indices of ordered that start a section: index 0
// and every message more than SectionGap after its predecessor.
func SectionBreaks(ordered []models.Message) []int {
	if len(ordered) == 0 {
		return nil
	}
	breaks := []int{0}
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1].Timestamp, ordered[i].Timestamp
		if prev.IsZero() || cur.IsZero() {
			continue
		}
		if cur.Sub(prev) > SectionGap {
			breaks = append(breaks, i)
		}
	}
	return breaks
}

// ReceiptFor is the sender-side indicator for m; other users' messages get none.
func ReceiptFor(m models.Message, self string) Receipt {
	if m.SenderID != self {
		return ReceiptNone
	}
	if len(models.NormalizeParticipants(m.ReadBy)) > 1 {
		return ReceiptRead
	}
	return ReceiptDelivered
}

// ResolveReply prefers the live original, then the snapshot taken at send
// time, then a placeholder. lookup may be nil.
func ResolveReply(m models.Message, lookup func(id string) (models.Message, bool)) *ResolvedReply {
	ref := m.ReplyTo
	if ref == nil {
		return nil
	}
	if lookup != nil {
		if original, ok := lookup(ref.MessageID); ok && strings.TrimSpace(original.Content) != "" {
			return &ResolvedReply{
				MessageID:   original.ID,
				SenderID:    original.SenderID,
				Content:     original.Content,
				MessageType: original.MessageType,
				Source:      ReplyLive,
			}
		}
	}
	if strings.TrimSpace(ref.Content) != "" {
		return &ResolvedReply{
			MessageID:   ref.MessageID,
			SenderID:    ref.SenderID,
			Content:     ref.Content,
			MessageType: ref.MessageType,
			Source:      ReplySnapshot,
		}
	}
	return &ResolvedReply{
		MessageID: ref.MessageID,
		SenderID:  ref.SenderID,
		Content:   ReplyUnavailable,
		Source:    ReplyMissing,
	}
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Timeline holds the ordered messages of one conversation, replaced by every
// feed snapshot.
type Timeline struct {
	conversationID string
	self           string
	logger         *slog.Logger
	metrics        *metrics.Collectors

	mu      sync.RWMutex
	ordered []models.Message
	byID    map[string]int
	lastErr error
}

func New(conversationID, currentUserID string, opts Options) *Timeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Timeline{
		conversationID: conversationID,
		self:           currentUserID,
		logger:         logger,
		metrics:        opts.Metrics,
		byID:           make(map[string]int),
	}
}

// Apply decodes a messages snapshot. Malformed documents and messages of
// other conversations are dropped.
func (t *Timeline) Apply(docs []remote.Document) {
	messages := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := remote.DecodeMessage(doc)
		if err != nil {
			t.metrics.ObserveMalformed(remote.CollectionMessages)
			t.logger.Warn("message document rejected", "message_id", doc.ID, "error", err.Error())
			continue
		}
		if m.ConversationID != t.conversationID {
			continue
		}
		messages = append(messages, m)
	}
	ordered := Ordered(messages)
	byID := make(map[string]int, len(ordered))
	for i, m := range ordered {
		byID[m.ID] = i
	}

	t.mu.Lock()
	t.ordered = ordered
	t.byID = byID
	t.lastErr = nil
	t.mu.Unlock()
}

// ApplyError keeps the last snapshot.
func (t *Timeline) ApplyError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Timeline) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.ordered)
}

func (t *Timeline) Message(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return t.ordered[i], true
}

// Entries renders the current snapshot.
func (t *Timeline) Entries() []Entry {
	messages := t.Messages()
	breaks := SectionBreaks(messages)
	entries := make([]Entry, len(messages))
	for i, m := range messages {
		entries[i] = Entry{
			Message: m,
			Reply:   ResolveReply(m, t.Message),
			Receipt: ReceiptFor(m, t.self),
		}
	}
	for _, i := range breaks {
		entries[i].SectionBreak = true
	}
	return entries
}

// UnreadBy returns the ids of loaded messages uid has not read yet.
func (t *Timeline) UnreadBy(uid string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, m := range t.ordered {
		if !m.IsReadBy(uid) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
