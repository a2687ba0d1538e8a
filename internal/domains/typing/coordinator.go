// Package typing publishes the local "is typing" flag with an inactivity
// timeout and derives who else is typing in a conversation.
package typing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"

	"github.com/benbjohnson/clock"
)

const (
	DefaultTimeout      = 4 * time.Second
	defaultWriteTimeout = 5 * time.Second
	writeOpTyping       = "typing"
)

type Options struct {
	Clock        clock.Clock
	Timeout      time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
}

// session is one Composing state for (conversation, current user). gen
// identifies the armed timer so a superseded expiry is ignored; it is drawn
// from Coordinator.gen and never repeats across sessions.
type session struct {
	timer *clock.Timer
	gen   uint64
}

type Coordinator struct {
	channel      remote.Channel
	self         string
	clock        clock.Clock
	timeout      time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Collectors

	// mu also orders the typing writes of one user.
	mu       sync.Mutex
	gen      uint64
	sessions map[string]*session
	typists  map[string][]string
}

func NewCoordinator(channel remote.Channel, currentUserID string, opts Options) *Coordinator {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		channel:      channel,
		self:         strings.TrimSpace(currentUserID),
		clock:        c,
		timeout:      timeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      opts.Metrics,
		sessions:     make(map[string]*session),
		typists:      make(map[string][]string),
	}
}

// InputChanged handles one local edit in conversationID: Idle moves to
// Composing with a single typing write, and the inactivity timer is re-armed.
func (c *Coordinator) InputChanged(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, composing := c.sessions[conversationID]
	if !composing {
		s = &session{}
		c.sessions[conversationID] = s
		c.writeLocked(ctx, conversationID, true)
	} else {
		s.timer.Stop()
	}
	c.gen++
	s.gen = c.gen
	gen := s.gen
	s.timer = c.clock.AfterFunc(c.timeout, func() {
		c.expire(conversationID, gen)
	})
}

// Stop returns conversationID to Idle now, e.g. on send or conversation switch.
func (c *Coordinator) Stop(ctx context.Context, conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx, conversationID)
}

// StopAll ends every composing session.
func (c *Coordinator) StopAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.sessions {
		c.stopLocked(ctx, id)
	}
}

func (c *Coordinator) IsComposing(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[conversationID]
	return ok
}

// ApplyRemote replaces the typing set of conversationID from its feed
// snapshot. The current user and records with isTyping=false are ignored.
func (c *Coordinator) ApplyRemote(conversationID string, docs []remote.Document) {
	ids := make([]string, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		status, err := remote.DecodeTypingStatus(conversationID, doc)
		if err != nil {
			c.metrics.ObserveMalformed(remote.TypingCollection(conversationID))
			c.logger.Debug("typing document rejected", "conversation_id", conversationID, "error", err.Error())
			continue
		}
		if !status.IsTyping || status.UserID == c.self {
			continue
		}
		if _, dup := seen[status.UserID]; dup {
			continue
		}
		seen[status.UserID] = struct{}{}
		ids = append(ids, status.UserID)
	}
	c.mu.Lock()
	c.typists[conversationID] = ids
	c.mu.Unlock()
}

// ClearRemote forgets the typing set of a conversation that is no longer open.
func (c *Coordinator) ClearRemote(conversationID string) {
	c.mu.Lock()
	delete(c.typists, conversationID)
	c.mu.Unlock()
}

func (c *Coordinator) TypingUserIDs(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.typists[conversationID]...)
}

// DisplayText renders "X is typing…" or "X, Y are typing…". Users that
// username cannot name are left out; no names gives "".
func (c *Coordinator) DisplayText(conversationID string, username func(uid string) string) string {
	names := make([]string, 0)
	for _, id := range c.TypingUserIDs(conversationID) {
		if username == nil {
			break
		}
		if name := strings.TrimSpace(username(id)); name != "" {
			names = append(names, name)
		}
	}
	return FormatTyping(names)
}

func FormatTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	default:
		return strings.Join(names, ", ") + " are typing…"
	}
}

func (c *Coordinator) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[conversationID]
	if !ok || s.gen != gen {
		return
	}
	delete(c.sessions, conversationID)
	c.writeLocked(context.Background(), conversationID, false)
}

func (c *Coordinator) stopLocked(ctx context.Context, conversationID string) {
	s, ok := c.sessions[conversationID]
	if !ok {
		return
	}
	s.timer.Stop()
	delete(c.sessions, conversationID)
	c.writeLocked(ctx, conversationID, false)
}

// writeLocked sets or deletes the current user's typing record. Failures
// are dropped.
func (c *Coordinator) writeLocked(ctx context.Context, conversationID string, typing bool) {
	if c.channel == nil || c.self == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	collection := remote.TypingCollection(conversationID)
	var err error
	if typing {
		err = c.channel.Set(ctx, collection, c.self, remote.TypingFields(c.self))
	} else {
		err = c.channel.Delete(ctx, collection, c.self)
	}
	if err != nil {
		c.metrics.ObserveWrite(writeOpTyping, metrics.ResultDropped)
		c.logger.Debug("typing write dropped", "conversation_id", conversationID, "typing", typing, "error", err.Error())
		return
	}
	c.metrics.ObserveWrite(writeOpTyping, metrics.ResultOK)
}
