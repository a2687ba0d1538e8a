package app

import (
	"sync"
	"time"
)

const (
	ChangeConversations = "conversations"
	ChangeMessages      = "messages"
	ChangePresence      = "presence"
	ChangeTyping        = "typing"
	ChangeSelection     = "selection"
	ChangeSession       = "session"
)

// ChangeEvent tells a view which part of the state moved. Err is set when a
// feed failed and the previous state is being kept.
type ChangeEvent struct {
	Seq            int64
	Kind           string
	ConversationID string
	Err            error
	Timestamp      time.Time
}

func (e ChangeEvent) sameTarget(other ChangeEvent) bool {
	return e.Kind == other.Kind && e.ConversationID == other.ConversationID
}

// changeQueue holds at most one event per (Kind, ConversationID), ordered by
// the seq of the newest event for that target. Views read whole snapshots,
// so an older event for a target carries nothing the newer one does not.
type changeQueue struct {
	events []ChangeEvent
}

func (q *changeQueue) put(event ChangeEvent) {
	for i, pending := range q.events {
		if pending.sameTarget(event) {
			q.events = append(q.events[:i], q.events[i+1:]...)
			break
		}
	}
	q.events = append(q.events, event)
}

func (q *changeQueue) pop() (ChangeEvent, bool) {
	if len(q.events) == 0 {
		return ChangeEvent{}, false
	}
	event := q.events[0]
	q.events = q.events[1:]
	return event, true
}

func (q *changeQueue) trim(limit int) {
	if len(q.events) > limit {
		q.events = append([]ChangeEvent(nil), q.events[len(q.events)-limit:]...)
	}
}

func (q *changeQueue) after(seq int64) []ChangeEvent {
	out := make([]ChangeEvent, 0, len(q.events))
	for _, event := range q.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

type changeSubscriber struct {
	pending changeQueue
	wake    chan struct{}
	out     chan ChangeEvent
	done    chan struct{}
	once    sync.Once
}

// ChangeHub fans change events out to subscribers. Pending events of a slow
// subscriber are coalesced per target instead of piling up, and the hub
// retains the latest event per target for replay.
type ChangeHub struct {
	mu      sync.Mutex
	now     func() time.Time
	nextSeq int64
	limit   int
	latest  changeQueue
	subs    map[*changeSubscriber]struct{}
}

func NewChangeHub(limit int, now func() time.Time) *ChangeHub {
	if limit < 1 {
		limit = 1
	}
	if now == nil {
		now = time.Now
	}
	return &ChangeHub{
		now:   now,
		limit: limit,
		subs:  make(map[*changeSubscriber]struct{}),
	}
}

func (h *ChangeHub) Publish(kind, conversationID string, err error) ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := ChangeEvent{
		Seq:            h.nextSeq,
		Kind:           kind,
		ConversationID: conversationID,
		Err:            err,
		Timestamp:      h.now().UTC(),
	}
	h.latest.put(event)
	h.latest.trim(h.limit)

	for sub := range h.subs {
		sub.pending.put(event)
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return event
}

// Subscribe returns the retained events newer than fromSeq, a live channel
// and a cancel func. The channel is closed only by cancel.
func (h *ChangeHub) Subscribe(fromSeq int64) ([]ChangeEvent, <-chan ChangeEvent, func()) {
	h.mu.Lock()
	replay := h.latest.after(fromSeq)
	sub := &changeSubscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan ChangeEvent),
		done: make(chan struct{}),
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.pump(sub)

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.done)
		})
	}
	return replay, sub.out, cancel
}

func (h *ChangeHub) pump(sub *changeSubscriber) {
	defer close(sub.out)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			h.mu.Lock()
			event, ok := sub.pending.pop()
			h.mu.Unlock()
			if !ok {
				break
			}
			select {
			case sub.out <- event:
			case <-sub.done:
				return
			}
		}
	}
}
