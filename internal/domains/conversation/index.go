// Package conversation keeps the signed-in user's conversation set and creates
// conversations without duplicating an existing participant set.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"aim-chat/chat-sync/internal/domains/contracts"
	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/pkg/models"
)

var (
	ErrUserRequired       = errors.New("current user id is required")
	ErrChannelRequired    = errors.New("remote channel is required")
	ErrGroupNameRequired  = errors.New("group name is required")
	ErrGroupTooSmall      = errors.New("group needs at least two other members")
	ErrDirectNeedsOnePeer = errors.New("direct conversation needs exactly one other participant")
)

const writeOpCreate = "create_conversation"

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Index is the current conversation set of one user, replaced wholesale by
// every feed snapshot. Conversations this client created but the feed has not
// echoed yet are kept as pending so a second create finds them.
type Index struct {
	channel remote.Channel
	self    string
	logger  *slog.Logger
	metrics *metrics.Collectors

	createMu sync.Mutex

	mu      sync.RWMutex
	byID    map[string]models.Conversation
	order   []string
	pending map[string]models.Conversation
	loaded  bool
	lastErr error
}

func NewIndex(channel remote.Channel, currentUserID string, opts Options) (*Index, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}
	currentUserID = strings.TrimSpace(currentUserID)
	if currentUserID == "" {
		return nil, ErrUserRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Index{
		channel: channel,
		self:    currentUserID,
		logger:  logger,
		metrics: opts.Metrics,
		byID:    make(map[string]models.Conversation),
		pending: make(map[string]models.Conversation),
	}, nil
}

// Apply replaces the index with a conversations feed snapshot. Malformed
// documents are skipped.
func (x *Index) Apply(docs []remote.Document) {
	byID := make(map[string]models.Conversation, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		c, err := remote.DecodeConversation(doc)
		if err != nil {
			x.metrics.ObserveMalformed(remote.CollectionConversations)
			x.logger.Warn("conversation document rejected", "conversation_id", doc.ID, "error", err.Error())
			continue
		}
		if _, dup := byID[c.ID]; !dup {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID = byID
	x.order = order
	x.loaded = true
	x.lastErr = nil
	for key, c := range x.pending {
		if _, ok := byID[c.ID]; ok {
			delete(x.pending, key)
		}
	}
}

// ApplyError records a feed failure and keeps the last good snapshot.
func (x *Index) ApplyError(err error) {
	x.mu.Lock()
	x.lastErr = err
	x.mu.Unlock()
}

// Err returns the last feed failure, cleared by the next good snapshot.
func (x *Index) Err() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lastErr
}

func (x *Index) Loaded() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.loaded
}

func (x *Index) Get(id string) (models.Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if c, ok := x.byID[id]; ok {
		return c, true
	}
	for _, c := range x.pending {
		if c.ID == id {
			return c, true
		}
	}
	return models.Conversation{}, false
}

// List returns the conversations newest activity first; ties keep feed order.
func (x *Index) List() []models.Conversation {
	x.mu.RLock()
	out := make([]models.Conversation, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.byID[id])
	}
	x.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b models.Conversation) int {
		return b.LastMessageTime.Compare(a.LastMessageTime)
	})
	return out
}

// FindExisting looks for a conversation with exactly the participant set
// candidates ∪ {self} and the same group flag.
func (x *Index) FindExisting(candidates []string, isGroup bool) (models.Conversation, bool) {
	return x.find(x.participantSet(candidates), isGroup)
}

// CreateOrReuse returns the id of the conversation for candidates ∪ {self},
// creating it only when none exists. Groups need two other members and a
// name; direct conversations need exactly one other member.
func (x *Index) CreateOrReuse(ctx context.Context, candidates []string, isGroup bool, groupName string) (string, error) {
	participants := x.participantSet(candidates)
	groupName = strings.TrimSpace(groupName)
	if err := validate(participants, isGroup, groupName); err != nil {
		return "", err
	}

	x.createMu.Lock()
	defer x.createMu.Unlock()

	if existing, ok := x.find(participants, isGroup); ok {
		x.metrics.ObserveDedupHit()
		return existing.ID, nil
	}
	if isGroup {
		return x.createGroup(ctx, participants, groupName)
	}
	return x.createDirect(ctx, participants)
}

// DirectConversationID derives the document id of the direct conversation
// between two users; it does not depend on argument order.
func DirectConversationID(a, b string) string {
	pair := models.NormalizeParticipants([]string{a, b})
	sum := sha256.Sum256([]byte(strings.Join(pair, "\x00")))
	return "dm_" + hex.EncodeToString(sum[:16])
}

func (x *Index) createDirect(ctx context.Context, participants []string) (string, error) {
	id := DirectConversationID(participants[0], participants[1])

	err := x.channel.Create(ctx, remote.CollectionConversations, id, remote.NewConversationFields(participants, false, "", x.self))
	if errors.Is(err, remote.ErrAlreadyExists) {
		return x.reuseDirect(ctx, id)
	}
	x.metrics.ObserveWriteErr(writeOpCreate, err)
	if err != nil {
		return "", contracts.WriteError(err)
	}
	x.remember(models.Conversation{ID: id, Participants: participants, CreatedBy: x.self})
	x.logger.Info("conversation created", "conversation_id", id, "is_group", false)
	return id, nil
}

// reuseDirect adopts a direct conversation another client created first.
func (x *Index) reuseDirect(ctx context.Context, id string) (string, error) {
	doc, found, err := x.channel.Get(ctx, remote.CollectionConversations, id)
	if err != nil {
		return "", contracts.WriteError(err)
	}
	if !found {
		return "", contracts.WriteError(remote.ErrNotFound)
	}
	c, err := remote.DecodeConversation(doc)
	if err != nil {
		return "", contracts.WriteError(err)
	}
	if c.IsGroup {
		return "", contracts.WriteError(fmt.Errorf("conversation %s is not a direct conversation", id))
	}
	x.metrics.ObserveDedupHit()
	x.remember(c)
	return id, nil
}

func (x *Index) createGroup(ctx context.Context, participants []string, groupName string) (string, error) {
	id, err := x.channel.Append(ctx, remote.CollectionConversations, remote.NewConversationFields(participants, true, groupName, x.self))
	x.metrics.ObserveWriteErr(writeOpCreate, err)
	if err != nil {
		return "", contracts.WriteError(err)
	}
	x.remember(models.Conversation{ID: id, Participants: participants, IsGroup: true, GroupName: groupName, CreatedBy: x.self})
	x.logger.Info("conversation created", "conversation_id", id, "is_group", true, "participants", len(participants))
	return id, nil
}

func (x *Index) remember(c models.Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byID[c.ID]; ok {
		return
	}
	x.pending[models.ParticipantKey(c.Participants, c.IsGroup)] = c
}

func (x *Index) find(participants []string, isGroup bool) (models.Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, id := range x.order {
		c := x.byID[id]
		if c.IsGroup == isGroup && models.SameParticipants(c.Participants, participants) {
			return c, true
		}
	}
	c, ok := x.pending[models.ParticipantKey(participants, isGroup)]
	return c, ok
}

func (x *Index) participantSet(candidates []string) []string {
	return models.NormalizeParticipants(append(slices.Clone(candidates), x.self))
}

func validate(participants []string, isGroup bool, groupName string) error {
	others := len(participants) - 1
	if isGroup {
		if groupName == "" {
			return contracts.ValidationError(ErrGroupNameRequired)
		}
		if others < 2 {
			return contracts.ValidationError(ErrGroupTooSmall)
		}
		return nil
	}
	if others != 1 {
		return contracts.ValidationError(ErrDirectNeedsOnePeer)
	}
	return nil
}
