package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"aim-chat/chat-sync/internal/remote"

	"github.com/benbjohnson/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(WithClock(clk))
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	return s, clk
}

func recv(t *testing.T, ch <-chan remote.Snapshot) remote.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("snapshot channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return remote.Snapshot{}
}

func TestSubscribeDeliversInitialAndLatestSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.Subscribe(ctx, remote.MessagesForConversation("c1"))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if snap := recv(t, updates); len(snap.Documents) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d docs", len(snap.Documents))
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.Append(ctx, remote.CollectionMessages, remote.NewMessageFields("c1", "u1", content, "text", nil)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if _, err := s.Append(ctx, remote.CollectionMessages, remote.NewMessageFields("c2", "u1", "other", "text", nil)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	snap := recv(t, updates)
	if len(snap.Documents) != 3 {
		t.Fatalf("expected latest snapshot with 3 docs, got %d", len(snap.Documents))
	}
	if got := snap.Documents[2].Fields["content"]; got != "three" {
		t.Fatalf("expected ascending timestamp order, last=%v", got)
	}
}

func TestServerTimestampsStrictlyIncrease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	var prev time.Time
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, remote.CollectionMessages, remote.NewMessageFields("c1", "u1", "x", "text", nil))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		doc, ok, err := s.Get(ctx, remote.CollectionMessages, id)
		if err != nil || !ok {
			t.Fatalf("get failed: ok=%v err=%v", ok, err)
		}
		ts := doc.Fields["timestamp"].(time.Time)
		if !ts.After(prev) {
			t.Fatalf("timestamp %v not after %v", ts, prev)
		}
		prev = ts
	}
}

func TestUpdateArrayOpsAreSetSemantics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, err := s.Append(ctx, remote.CollectionConversations, remote.NewConversationFields([]string{"u1", "u2", "u3"}, true, "g", "u1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Update(ctx, remote.CollectionConversations, id, remote.ArrayUnion("participants", "u2", "u4")); err != nil {
		t.Fatalf("union failed: %v", err)
	}
	if err := s.Update(ctx, remote.CollectionConversations, id, remote.ArrayRemove("participants", "u3", "nobody")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	doc, _, _ := s.Get(ctx, remote.CollectionConversations, id)
	got := doc.Fields["participants"].([]any)
	want := []any{"u1", "u2", "u4"}
	if len(got) != len(want) {
		t.Fatalf("unexpected participants: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected participants: %v", got)
		}
	}
}

func TestUpdateMissingDocumentFails(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Update(context.Background(), remote.CollectionConversations, "nope", remote.SetField("lastMessage", "x"))
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOnlyWritesAbsentDocument(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, remote.CollectionUsers, "u1", map[string]any{"username": "first"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := s.Create(ctx, remote.CollectionUsers, "u1", map[string]any{"username": "second"})
	if !errors.Is(err, remote.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	doc, _, _ := s.Get(ctx, remote.CollectionUsers, "u1")
	if doc.Fields["username"] != "first" {
		t.Fatalf("existing document was overwritten: %+v", doc.Fields)
	}
}

func TestWriteInterceptorRejectsWithoutMutation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("permission denied")
	s.SetWriteInterceptor(func(op WriteOp) error {
		if op.Kind == OpSet {
			return boom
		}
		return nil
	})
	if err := s.Set(ctx, remote.TypingCollection("c1"), "u1", remote.TypingFields("u1")); !errors.Is(err, boom) {
		t.Fatalf("expected interceptor error, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, remote.TypingCollection("c1"), "u1"); ok {
		t.Fatal("rejected write must not be applied")
	}
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := s.Subscribe(ctx, remote.AllUsers())
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	recv(t, updates)
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				if n := s.LiveQueries(); n != 0 {
					t.Fatalf("expected no live queries, got %d", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestInjectSubscriptionError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _ := s.Subscribe(ctx, remote.AllUsers())
	recv(t, updates)
	boom := errors.New("unavailable")
	s.InjectSubscriptionError(remote.CollectionUsers, boom)
	if snap := recv(t, updates); !errors.Is(snap.Err, boom) {
		t.Fatalf("expected injected error, got %v", snap.Err)
	}
}

func TestArrayContainsFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := s.Append(ctx, remote.CollectionConversations, remote.NewConversationFields([]string{"u1", "u2"}, false, "", "u1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, remote.CollectionConversations, remote.NewConversationFields([]string{"u3", "u2"}, false, "", "u3")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	updates, _ := s.Subscribe(ctx, remote.ConversationsForUser("u1"))
	if snap := recv(t, updates); len(snap.Documents) != 1 {
		t.Fatalf("expected one conversation for u1, got %d", len(snap.Documents))
	}
}
