package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aim-chat/chat-sync/internal/domains/contracts"
	"aim-chat/chat-sync/internal/domains/conversation"
	"aim-chat/chat-sync/internal/domains/presence"
	"aim-chat/chat-sync/internal/domains/timeline"
	"aim-chat/chat-sync/internal/domains/typing"
	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/platform/ratelimiter"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/internal/subscription"
	"aim-chat/chat-sync/pkg/models"

	"github.com/benbjohnson/clock"
)

const (
	defaultWriteTimeout = 5 * time.Second
	changeHistoryLimit  = 256

	writeOpSend       = "send_message"
	writeOpPreview    = "conversation_preview"
	writeOpMembership = "membership"
	writeOpMarkRead   = "mark_read"
)

type Options struct {
	Channel       remote.Channel
	CurrentUserID string
	Logger        *slog.Logger
	Clock         clock.Clock
	Metrics       *metrics.Collectors
	TypingTimeout time.Duration
	WriteTimeout  time.Duration
	// SendLimiter throttles Send per conversation; nil disables throttling.
	SendLimiter *ratelimiter.MapLimiter
}

type MembershipChange string

const (
	MembershipAdd    MembershipChange = "add"
	MembershipRemove MembershipChange = "remove"
)

type SendRequest struct {
	Content     string
	MessageType models.MessageType
	// ReplyToID must name a message in the open conversation's timeline.
	ReplyToID string
}

// Orchestrator is the single entry point for a signed-in user: it keeps
// the conversations and presence feeds live, plus the messages and typing
// feeds of the selected conversation.
type Orchestrator struct {
	channel      remote.Channel
	self         string
	logger       *slog.Logger
	clock        clock.Clock
	metrics      *metrics.Collectors
	writeTimeout time.Duration
	limiter      *ratelimiter.MapLimiter

	registry      *subscription.Registry
	conversations *conversation.Index
	presence      *presence.View
	typing        *typing.Coordinator
	announcer     *presence.Announcer
	hub           *ChangeHub

	// lifecycle serializes Start, SelectConversation and SignOut. Feed
	// callbacks never take it.
	lifecycle sync.Mutex

	mu                sync.RWMutex
	started           bool
	conversationsFeed subscription.Handle
	presenceFeed      subscription.Handle
	selected          string
	timeline          *timeline.Timeline
	messagesFeed      subscription.Handle
	typingFeed        subscription.Handle
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Channel == nil {
		return nil, ErrChannelRequired
	}
	self := strings.TrimSpace(opts.CurrentUserID)
	if self == "" {
		return nil, ErrUserRequired
	}
	logger := sanitizedLogger(opts.Logger)
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	registry, err := subscription.NewRegistry(opts.Channel, subscription.Options{Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	index, err := conversation.NewIndex(opts.Channel, self, conversation.Options{Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		channel:       opts.Channel,
		self:          self,
		logger:        logger,
		clock:         clk,
		metrics:       opts.Metrics,
		writeTimeout:  writeTimeout,
		limiter:       opts.SendLimiter,
		registry:      registry,
		conversations: index,
		presence:      presence.NewView(self, presence.Options{Clock: clk, Logger: logger, Metrics: opts.Metrics}),
		typing: typing.NewCoordinator(opts.Channel, self, typing.Options{
			Clock:        clk,
			Timeout:      opts.TypingTimeout,
			WriteTimeout: writeTimeout,
			Logger:       logger,
			Metrics:      opts.Metrics,
		}),
		announcer: presence.NewAnnouncer(opts.Channel, self, writeTimeout, logger, opts.Metrics),
		hub:       NewChangeHub(changeHistoryLimit, clk.Now),
	}, nil
}

func (o *Orchestrator) CurrentUserID() string { return o.self }

// SessionStatus reports what the orchestrator currently shows. FeedErrors
// holds the last failure of each feed still serving its previous snapshot.
type SessionStatus struct {
	UserID                 string            `json:"userId"`
	Started                bool              `json:"started"`
	SelectedConversationID string            `json:"selectedConversationId,omitempty"`
	ConversationsLoaded    bool              `json:"conversationsLoaded"`
	FeedErrors             map[string]string `json:"feedErrors,omitempty"`
}

func (o *Orchestrator) Status() SessionStatus {
	o.mu.RLock()
	status := SessionStatus{
		UserID:                 o.self,
		Started:                o.started,
		SelectedConversationID: o.selected,
	}
	tl := o.timeline
	o.mu.RUnlock()

	status.ConversationsLoaded = o.conversations.Loaded()
	feedErrs := map[string]error{
		ChangeConversations: o.conversations.Err(),
		ChangePresence:      o.presence.Err(),
	}
	if tl != nil {
		feedErrs[ChangeMessages] = tl.Err()
	}
	for feed, err := range feedErrs {
		if err == nil {
			continue
		}
		if status.FeedErrors == nil {
			status.FeedErrors = make(map[string]string)
		}
		status.FeedErrors[feed] = err.Error()
	}
	return status
}

// Start opens the conversations and presence feeds and announces the user
// online. Calling Start on a started orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()
	if started {
		return nil
	}

	convHandle, err := o.registry.Subscribe(ctx, subscription.ConversationsFeed(o.self), remote.ConversationsForUser(o.self),
		func(docs []remote.Document) {
			o.conversations.Apply(docs)
			o.hub.Publish(ChangeConversations, "", nil)
		},
		func(err error) {
			o.conversations.ApplyError(err)
			o.hub.Publish(ChangeConversations, "", err)
		})
	if err != nil {
		return err
	}
	presenceHandle, err := o.registry.Subscribe(ctx, subscription.PresenceFeed(), remote.AllUsers(),
		func(docs []remote.Document) {
			o.presence.Apply(docs)
			o.hub.Publish(ChangePresence, "", nil)
		},
		func(err error) {
			o.presence.ApplyError(err)
			o.hub.Publish(ChangePresence, "", err)
		})
	if err != nil {
		o.registry.Cancel(convHandle)
		return err
	}

	o.mu.Lock()
	o.started = true
	o.conversationsFeed = convHandle
	o.presenceFeed = presenceHandle
	o.mu.Unlock()

	o.announcer.Announce(ctx, true)
	o.logger.Info("chat sync started", "user_id", o.self)
	o.hub.Publish(ChangeSession, "", nil)
	return nil
}

// SignOut stops typing, cancels every feed and announces the user offline.
func (o *Orchestrator) SignOut(ctx context.Context) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.typing.StopAll(ctx)
	o.registry.CancelAll()

	o.mu.Lock()
	wasStarted := o.started
	if o.selected != "" {
		o.typing.ClearRemote(o.selected)
	}
	o.started = false
	o.selected = ""
	o.timeline = nil
	o.conversationsFeed = subscription.Handle{}
	o.presenceFeed = subscription.Handle{}
	o.messagesFeed = subscription.Handle{}
	o.typingFeed = subscription.Handle{}
	o.mu.Unlock()

	if wasStarted {
		o.announcer.Announce(ctx, false)
	}
	o.logger.Info("chat sync signed out", "user_id", o.self)
	o.hub.Publish(ChangeSession, "", nil)
}

// SelectConversation re-points the messages and typing feeds at id. The
// previous conversation's feeds are cancelled and its typing session ended
// before the new feeds open. An empty id closes the open conversation.
func (o *Orchestrator) SelectConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.RLock()
	started, previous := o.started, o.selected
	oldMessages, oldTyping := o.messagesFeed, o.typingFeed
	o.mu.RUnlock()
	if !started {
		return contracts.ValidationError(ErrNotStarted)
	}
	if id == previous {
		return nil
	}

	if previous != "" {
		o.typing.Stop(ctx, previous)
		o.registry.Cancel(oldMessages)
		o.registry.Cancel(oldTyping)
		o.typing.ClearRemote(previous)
	}
	o.mu.Lock()
	o.selected = ""
	o.timeline = nil
	o.messagesFeed = subscription.Handle{}
	o.typingFeed = subscription.Handle{}
	o.mu.Unlock()

	if id == "" {
		o.hub.Publish(ChangeSelection, "", nil)
		return nil
	}

	tl := timeline.New(id, o.self, timeline.Options{Logger: o.logger, Metrics: o.metrics})
	messagesHandle, err := o.registry.Subscribe(ctx, subscription.MessagesFeed(id), remote.MessagesForConversation(id),
		func(docs []remote.Document) {
			tl.Apply(docs)
			o.hub.Publish(ChangeMessages, id, nil)
		},
		func(err error) {
			tl.ApplyError(err)
			o.hub.Publish(ChangeMessages, id, err)
		})
	if err != nil {
		o.hub.Publish(ChangeSelection, "", err)
		return err
	}
	typingHandle, err := o.registry.Subscribe(ctx, subscription.TypingFeed(id), remote.TypingForConversation(id),
		func(docs []remote.Document) {
			o.typing.ApplyRemote(id, docs)
			o.hub.Publish(ChangeTyping, id, nil)
		},
		func(err error) {
			o.hub.Publish(ChangeTyping, id, err)
		})
	if err != nil {
		o.registry.Cancel(messagesHandle)
		o.hub.Publish(ChangeSelection, "", err)
		return err
	}

	o.mu.Lock()
	o.selected = id
	o.timeline = tl
	o.messagesFeed = messagesHandle
	o.typingFeed = typingHandle
	o.mu.Unlock()

	o.logger.Debug("conversation selected", "conversation_id", id)
	o.hub.Publish(ChangeSelection, id, nil)
	return nil
}

func (o *Orchestrator) SelectedConversation() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.selected
}

// CreateOrOpenConversation finds or creates the conversation for
// participantIDs plus the current user and selects it.
func (o *Orchestrator) CreateOrOpenConversation(ctx context.Context, participantIDs []string, isGroup bool, groupName string) (string, error) {
	writeCtx, cancel := o.writeContext(ctx)
	id, err := o.conversations.CreateOrReuse(writeCtx, participantIDs, isGroup, groupName)
	cancel()
	if err != nil {
		return "", err
	}
	if err := o.SelectConversation(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

func (o *Orchestrator) ListConversations() []models.Conversation {
	return o.conversations.List()
}

// SearchConversations matches display names case-insensitively.
func (o *Orchestrator) SearchConversations(query string) []models.Conversation {
	return conversation.Search(o.conversations.List(), query, o.self, o.presence)
}

func (o *Orchestrator) Conversation(id string) (models.Conversation, bool) {
	return o.conversations.Get(id)
}

func (o *Orchestrator) ConversationName(id string) string {
	c, ok := o.conversations.Get(id)
	if !ok {
		return ""
	}
	return conversation.DisplayName(c, o.self, o.presence)
}

// ConversationMembers resolves the other participants of id.
func (o *Orchestrator) ConversationMembers(id string) []models.User {
	c, ok := o.conversations.Get(id)
	if !ok {
		return nil
	}
	return conversation.Members(c, o.self, o.presence)
}

func (o *Orchestrator) ConversationStatus(id string) string {
	c, ok := o.conversations.Get(id)
	if !ok {
		return ""
	}
	return o.presence.ConversationStatus(c)
}

// ListMessages renders the timeline of the open conversation.
func (o *Orchestrator) ListMessages(conversationID string) ([]timeline.Entry, error) {
	tl, selected := o.openTimeline()
	if tl == nil || selected != strings.TrimSpace(conversationID) {
		return nil, contracts.ValidationError(ErrConversationNotOpen)
	}
	return tl.Entries(), nil
}

func (o *Orchestrator) ListUsers() []models.User {
	return o.presence.Users()
}

func (o *Orchestrator) SearchUsers(query string) []models.User {
	return o.presence.SearchUsers(query)
}

func (o *Orchestrator) UserStatus(uid string) string {
	u, ok := o.presence.User(uid)
	if !ok {
		return ""
	}
	return o.presence.StatusText(u)
}

// Send appends a message to the open conversation, then refreshes the
// conversation preview. A failed preview update is logged and does not fail
// the send.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (string, error) {
	tl, cid := o.openTimeline()
	if tl == nil {
		return "", contracts.ValidationError(ErrNoConversationSelected)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", contracts.ValidationError(ErrEmptyMessage)
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}
	if !messageType.Valid() {
		return "", contracts.ValidationError(ErrInvalidMessageType)
	}
	var replyTo *models.ReplyTo
	if replyID := strings.TrimSpace(req.ReplyToID); replyID != "" {
		original, ok := tl.Message(replyID)
		if !ok {
			return "", contracts.ValidationError(ErrReplyTargetNotFound)
		}
		snapshot := original.SnapshotForReply()
		replyTo = &snapshot
	}
	if !o.limiter.Allow(ratelimiter.Key(cid, o.self), o.clock.Now()) {
		o.metrics.ObserveWrite(writeOpSend, metrics.ResultDropped)
		return "", contracts.ValidationError(ErrSendRateLimited)
	}

	o.typing.Stop(ctx, cid)

	writeCtx, cancel := o.writeContext(ctx)
	defer cancel()
	id, err := o.channel.Append(writeCtx, remote.CollectionMessages, remote.NewMessageFields(cid, o.self, content, messageType, replyTo))
	o.metrics.ObserveWriteErr(writeOpSend, err)
	if err != nil {
		o.logger.Warn("message send failed", "conversation_id", cid, "error", err.Error())
		return "", contracts.WriteError(err)
	}

	err = o.channel.Update(writeCtx, remote.CollectionConversations, cid, remote.PreviewUpdates(content)...)
	if err != nil {
		o.metrics.ObserveWrite(writeOpPreview, metrics.ResultDropped)
		o.logger.Warn("conversation preview update failed", "conversation_id", cid, "message_id", id, "error", err.Error())
	} else {
		o.metrics.ObserveWrite(writeOpPreview, metrics.ResultOK)
	}
	return id, nil
}

// SetMembership adds or removes userID in a group conversation. Adding an
// existing member or removing a non-member is a no-op; a removal that would leave
// fewer than two members is rejected.
func (o *Orchestrator) SetMembership(ctx context.Context, conversationID, userID string, change MembershipChange) error {
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return contracts.ValidationError(ErrMemberRequired)
	}
	if change != MembershipAdd && change != MembershipRemove {
		return contracts.ValidationError(ErrInvalidMembershipChange)
	}

	writeCtx, cancel := o.writeContext(ctx)
	defer cancel()
	conv, err := o.lookupConversation(writeCtx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return contracts.ValidationError(ErrNotGroupConversation)
	}

	members := models.NormalizeParticipants(conv.Participants)
	var update remote.FieldUpdate
	switch change {
	case MembershipAdd:
		if conv.HasParticipant(userID) {
			return nil
		}
		update = remote.ArrayUnion("participants", userID)
	case MembershipRemove:
		if !conv.HasParticipant(userID) {
			return nil
		}
		if len(members)-1 < 2 {
			return contracts.ValidationError(ErrLastMembers)
		}
		update = remote.ArrayRemove("participants", userID)
	}

	err = o.channel.Update(writeCtx, remote.CollectionConversations, conversationID, update)
	o.metrics.ObserveWriteErr(writeOpMembership, err)
	if err != nil {
		return contracts.WriteError(err)
	}
	o.logger.Info("membership changed", "conversation_id", conversationID, "member_id", userID, "change", string(change))
	return nil
}

// SetTyping feeds the typing state machine of the open conversation.
func (o *Orchestrator) SetTyping(ctx context.Context, composing bool) {
	cid := o.SelectedConversation()
	if cid == "" {
		return
	}
	if composing {
		o.typing.InputChanged(ctx, cid)
		return
	}
	o.typing.Stop(ctx, cid)
}

// TypingText describes who else is typing in the open conversation.
func (o *Orchestrator) TypingText() string {
	cid := o.SelectedConversation()
	if cid == "" {
		return ""
	}
	return o.typing.DisplayText(cid, o.presence.Username)
}

// MarkRead adds the current user to readBy of a message in the open
// conversation. Already-read messages are skipped.
func (o *Orchestrator) MarkRead(ctx context.Context, messageID string) error {
	tl, _ := o.openTimeline()
	if tl == nil {
		return contracts.ValidationError(ErrNoConversationSelected)
	}
	m, ok := tl.Message(strings.TrimSpace(messageID))
	if !ok {
		return contracts.ValidationError(ErrMessageNotFound)
	}
	if m.IsReadBy(o.self) {
		return nil
	}
	writeCtx, cancel := o.writeContext(ctx)
	defer cancel()
	return o.markRead(writeCtx, m.ID)
}

// MarkConversationRead marks every loaded message of the open conversation
// as read and returns how many were written before any failure.
func (o *Orchestrator) MarkConversationRead(ctx context.Context) (int, error) {
	tl, _ := o.openTimeline()
	if tl == nil {
		return 0, contracts.ValidationError(ErrNoConversationSelected)
	}
	writeCtx, cancel := o.writeContext(ctx)
	defer cancel()
	marked := 0
	for _, id := range tl.UnreadBy(o.self) {
		if err := o.markRead(writeCtx, id); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Changes subscribes to change events newer than fromSeq.
func (o *Orchestrator) Changes(fromSeq int64) ([]ChangeEvent, <-chan ChangeEvent, func()) {
	return o.hub.Subscribe(fromSeq)
}

func (o *Orchestrator) markRead(ctx context.Context, messageID string) error {
	err := o.channel.Update(ctx, remote.CollectionMessages, messageID, remote.ArrayUnion("readBy", o.self))
	o.metrics.ObserveWriteErr(writeOpMarkRead, err)
	if err != nil {
		return contracts.WriteError(err)
	}
	return nil
}

// lookupConversation prefers the index and falls back to a point read for
// conversations the feed has not delivered yet.
func (o *Orchestrator) lookupConversation(ctx context.Context, id string) (models.Conversation, error) {
	if id == "" {
		return models.Conversation{}, contracts.ValidationError(ErrConversationNotFound)
	}
	if c, ok := o.conversations.Get(id); ok {
		return c, nil
	}
	doc, found, err := o.channel.Get(ctx, remote.CollectionConversations, id)
	if err != nil {
		return models.Conversation{}, contracts.WriteError(err)
	}
	if !found {
		return models.Conversation{}, contracts.ValidationError(ErrConversationNotFound)
	}
	c, err := remote.DecodeConversation(doc)
	if err != nil {
		o.metrics.ObserveMalformed(remote.CollectionConversations)
		return models.Conversation{}, contracts.ValidationError(err)
	}
	return c, nil
}

func (o *Orchestrator) openTimeline() (*timeline.Timeline, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.timeline, o.selected
}

func (o *Orchestrator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.writeTimeout)
}
