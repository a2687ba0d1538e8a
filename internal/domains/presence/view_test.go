package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/internal/remote/memstore"
	"aim-chat/chat-sync/pkg/models"

	"github.com/benbjohnson/clock"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestView(t *testing.T) (*View, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(now)
	return NewView("me", Options{Clock: mock}), mock
}

func userDoc(uid, name string, online bool, lastSeen time.Time) remote.Document {
	fields := map[string]any{"uid": uid, "username": name, "email": name + "@example.com", "isOnline": online}
	if !lastSeen.IsZero() {
		fields["lastSeen"] = lastSeen
	}
	return remote.Document{ID: uid, Fields: fields}
}

func TestStatusTextBuckets(t *testing.T) {
	v, _ := newTestView(t)
	cases := []struct {
		name string
		user models.User
		want string
	}{
		{name: "online", user: models.User{IsOnline: true, LastSeen: now.Add(-time.Hour)}, want: "Online"},
		{name: "never seen", user: models.User{}, want: "Offline"},
		{name: "seconds", user: models.User{LastSeen: now.Add(-30 * time.Second)}, want: "Last seen 30 seconds ago"},
		{name: "one minute", user: models.User{LastSeen: now.Add(-90 * time.Second)}, want: "Last seen 1 minute ago"},
		{name: "minutes", user: models.User{LastSeen: now.Add(-5 * time.Minute)}, want: "Last seen 5 minutes ago"},
		{name: "hours", user: models.User{LastSeen: now.Add(-3 * time.Hour)}, want: "Last seen 3 hours ago"},
		{name: "one day", user: models.User{LastSeen: now.Add(-30 * time.Hour)}, want: "Last seen 1 day ago"},
		{name: "days", user: models.User{LastSeen: now.Add(-72 * time.Hour)}, want: "Last seen 3 days ago"},
		{name: "clock skew", user: models.User{LastSeen: now.Add(time.Minute)}, want: "Last seen 1 second ago"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.StatusText(tc.user); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestRelativeTimeFollowsClock(t *testing.T) {
	v, mock := newTestView(t)
	seen := now.Add(-10 * time.Minute)
	if got := v.RelativeTime(seen); got != "10 minutes ago" {
		t.Fatalf("unexpected relative time %q", got)
	}
	mock.Add(2 * time.Hour)
	if got := v.RelativeTime(seen); got != "2 hours ago" {
		t.Fatalf("unexpected relative time after advance %q", got)
	}
}

func TestApplyAndConversationStatus(t *testing.T) {
	v, _ := newTestView(t)
	v.Apply([]remote.Document{
		userDoc("me", "Me", true, time.Time{}),
		userDoc("a", "Ann", true, time.Time{}),
		userDoc("b", "bob", false, now.Add(-2*time.Minute)),
		{ID: "broken", Fields: map[string]any{"isOnline": "yes"}},
	})

	users := v.Users()
	if len(users) != 2 || users[0].UID != "a" || users[1].UID != "b" {
		t.Fatalf("unexpected users %+v", users)
	}
	if v.Username("b") != "bob" || v.Username("ghost") != "" {
		t.Fatal("unexpected username resolution")
	}

	group := models.Conversation{IsGroup: true, Participants: []string{"me", "a", "b", "ghost"}}
	if got := v.ConversationStatus(group); got != "4 members, 2 online" {
		t.Fatalf("unexpected group status %q", got)
	}
	direct := models.Conversation{Participants: []string{"me", "b"}}
	if got := v.ConversationStatus(direct); got != "Last seen 2 minutes ago" {
		t.Fatalf("unexpected direct status %q", got)
	}
	if got := v.ConversationStatus(models.Conversation{Participants: []string{"me", "ghost"}}); got != "" {
		t.Fatalf("unknown peer should have empty status, got %q", got)
	}

	if found := v.SearchUsers("EXAMPLE.com"); len(found) != 2 {
		t.Fatalf("expected email match for both, got %d", len(found))
	}
	if found := v.SearchUsers("an"); len(found) != 1 || found[0].UID != "a" {
		t.Fatalf("unexpected search result %+v", found)
	}
}

func TestApplyErrorKeepsSnapshot(t *testing.T) {
	v, _ := newTestView(t)
	v.Apply([]remote.Document{userDoc("a", "Ann", true, time.Time{})})
	v.ApplyError(errors.New("offline"))
	if _, ok := v.User("a"); !ok {
		t.Fatal("user should survive feed failure")
	}
	if v.Err() == nil {
		t.Fatal("expected error recorded")
	}
}

func TestAnnouncerIsBestEffort(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(now)
	store, err := memstore.New(memstore.WithClock(mock))
	if err != nil {
		t.Fatalf("memstore.New failed: %v", err)
	}
	ctx := context.Background()

	// missing user record: swallowed
	NewAnnouncer(store, "me", time.Second, nil, nil).Announce(ctx, true)

	if err := store.Set(ctx, remote.CollectionUsers, "me", map[string]any{"uid": "me", "username": "Me"}); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	NewAnnouncer(store, "me", time.Second, nil, nil).Announce(ctx, true)
	doc, ok, err := store.Get(ctx, remote.CollectionUsers, "me")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	u, err := remote.DecodeUser(doc)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !u.IsOnline || u.LastSeen.IsZero() {
		t.Fatalf("expected online with lastSeen, got %+v", u)
	}

	store.SetWriteInterceptor(func(memstore.WriteOp) error { return errors.New("denied") })
	NewAnnouncer(store, "me", time.Second, nil, nil).Announce(ctx, false)

	var nilAnnouncer *Announcer
	nilAnnouncer.Announce(ctx, true)
}
