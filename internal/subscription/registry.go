// Package subscription owns live feed subscriptions: at most one per feed key,
// replaced by cancelling and draining the previous one first.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"aim-chat/chat-sync/internal/domains/contracts"
	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"
)

var ErrChannelRequired = errors.New("remote channel is required")

// FeedKey names one logical live feed, e.g. "messages:{conversationId}".
type FeedKey string

const (
	KindConversations = "conversations"
	KindMessages      = "messages"
	KindPresence      = "presence"
	KindTyping        = "typing"
)

func ConversationsFeed(userID string) FeedKey {
	return FeedKey(KindConversations + ":" + strings.TrimSpace(userID))
}

func MessagesFeed(conversationID string) FeedKey {
	return FeedKey(KindMessages + ":" + strings.TrimSpace(conversationID))
}

func PresenceFeed() FeedKey {
	return FeedKey(KindPresence + ":*")
}

func TypingFeed(conversationID string) FeedKey {
	return FeedKey(KindTyping + ":" + strings.TrimSpace(conversationID))
}

// Kind is the part before the first colon; used as the metrics label.
func (k FeedKey) Kind() string {
	kind, _, _ := strings.Cut(string(k), ":")
	return kind
}

// Handle identifies one subscription. A zero Handle is never live.
type Handle struct {
	key FeedKey
	id  uint64
}

func (h Handle) Key() FeedKey { return h.key }
func (h Handle) IsZero() bool { return h.id == 0 }

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

type Registry struct {
	channel remote.Channel
	logger  *slog.Logger
	metrics *metrics.Collectors

	// lifecycle serializes Subscribe/Cancel so replacement is atomic per key;
	// mu guards live and is also taken by exiting pumps.
	lifecycle sync.Mutex
	mu        sync.Mutex
	live      map[FeedKey]*liveSub
	nextID    uint64
}

type liveSub struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(channel remote.Channel, opts Options) (*Registry, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		channel: channel,
		logger:  logger,
		metrics: opts.Metrics,
		live:    make(map[FeedKey]*liveSub),
	}, nil
}

// Subscribe starts a live query for key, cancelling any subscription already
// live under the same key and waiting until its callbacks have stopped.
// onUpdate receives every snapshot in delivery order; onError receives
// subscription failures, after which the caller's state should stay as is.
// Callbacks run on the subscription's goroutine and must not call back into
// the registry.
func (r *Registry) Subscribe(ctx context.Context, key FeedKey, q remote.Query, onUpdate func([]remote.Document), onError func(error)) (Handle, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	old := r.live[key]
	delete(r.live, key)
	r.mu.Unlock()
	if old != nil {
		stop(old)
		r.logger.Debug("feed subscription replaced", "feed", key.Kind())
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := r.channel.Subscribe(subCtx, q)
	if err != nil {
		cancel()
		r.metrics.ObserveSubscriptionError(key.Kind())
		r.reportLive()
		return Handle{}, contracts.WrapCategorizedError(contracts.ErrorCategorySubscription, err)
	}

	r.mu.Lock()
	r.nextID++
	sub := &liveSub{id: r.nextID, cancel: cancel, done: make(chan struct{})}
	r.live[key] = sub
	r.mu.Unlock()
	r.reportLive()

	go r.pump(subCtx, key, sub, stream, onUpdate, onError)
	return Handle{key: key, id: sub.id}, nil
}

// Cancel stops h if it is still the live subscription for its key. After
// Cancel returns no further callbacks for h run.
func (r *Registry) Cancel(h Handle) {
	if h.IsZero() {
		return
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	sub := r.live[h.key]
	if sub == nil || sub.id != h.id {
		r.mu.Unlock()
		return
	}
	delete(r.live, h.key)
	r.mu.Unlock()
	stop(sub)
	r.reportLive()
}

// CancelAll stops every live subscription, e.g. on sign-out.
func (r *Registry) CancelAll() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	subs := make([]*liveSub, 0, len(r.live))
	for key, sub := range r.live {
		subs = append(subs, sub)
		delete(r.live, key)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		stop(sub)
	}
	r.reportLive()
}

func (r *Registry) Live(key FeedKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Registry) pump(ctx context.Context, key FeedKey, sub *liveSub, stream <-chan remote.Snapshot, onUpdate func([]remote.Document), onError func(error)) {
	defer close(sub.done)
	defer r.forget(key, sub.id)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-stream:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if snap.Err != nil {
				r.metrics.ObserveSubscriptionError(key.Kind())
				r.logger.Warn("feed subscription failed", "feed", key.Kind(), "error", snap.Err.Error())
				if onError != nil {
					onError(contracts.WrapCategorizedError(contracts.ErrorCategorySubscription, snap.Err))
				}
				continue
			}
			r.metrics.ObserveSnapshot(key.Kind())
			if onUpdate != nil {
				onUpdate(snap.Documents)
			}
		}
	}
}

// forget drops the entry when a stream ends on its own.
func (r *Registry) forget(key FeedKey, id uint64) {
	r.mu.Lock()
	if sub := r.live[key]; sub != nil && sub.id == id {
		delete(r.live, key)
		n := len(r.live)
		r.mu.Unlock()
		r.metrics.SetLiveSubscriptions(n)
		return
	}
	r.mu.Unlock()
}

func (r *Registry) reportLive() {
	r.metrics.SetLiveSubscriptions(r.Len())
}

func stop(sub *liveSub) {
	sub.cancel()
	<-sub.done
}
