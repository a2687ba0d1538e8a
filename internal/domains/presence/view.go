// Package presence derives online and last-seen display state from the users feed.
package presence

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
	day           = 24 * time.Hour
)

var lastSeenMagnitudes = []humanize.RelTimeMagnitude{
	{D: 2 * time.Second, Format: "1 second %s", DivBy: 1},
	{D: time.Minute, Format: "%d seconds %s", DivBy: time.Second},
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * day, Format: "1 day %s", DivBy: 1},
	{D: math.MaxInt64, Format: "%d days %s", DivBy: day},
}

type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// View holds the latest users snapshot.
type View struct {
	self    string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collectors

	mu      sync.RWMutex
	users   map[string]models.User
	lastErr error
}

func NewView(currentUserID string, opts Options) *View {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &View{
		self:    strings.TrimSpace(currentUserID),
		clock:   c,
		logger:  logger,
		metrics: opts.Metrics,
		users:   make(map[string]models.User),
	}
}

func (v *View) Apply(docs []remote.Document) {
	users := make(map[string]models.User, len(docs))
	for _, doc := range docs {
		u, err := remote.DecodeUser(doc)
		if err != nil {
			v.metrics.ObserveMalformed(remote.CollectionUsers)
			v.logger.Warn("user document rejected", "user_id", doc.ID, "error", err.Error())
			continue
		}
		users[u.UID] = u
	}
	v.mu.Lock()
	v.users = users
	v.lastErr = nil
	v.mu.Unlock()
}

// ApplyError keeps the last snapshot.
func (v *View) ApplyError(err error) {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
}

func (v *View) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastErr
}

func (v *View) User(uid string) (models.User, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.users[uid]
	return u, ok
}

// Username returns the username of uid, or "" when unknown.
func (v *View) Username(uid string) string {
	u, _ := v.User(uid)
	return u.Username
}

// Users lists everyone but the current user, ordered by username.
func (v *View) Users() []models.User {
	v.mu.RLock()
	out := make([]models.User, 0, len(v.users))
	for uid, u := range v.users {
		if uid != v.self {
			out = append(out, u)
		}
	}
	v.mu.RUnlock()
	sortUsers(out)
	return out
}

// SearchUsers matches username or email case-insensitively; self is excluded.
func (v *View) SearchUsers(query string) []models.User {
	users := v.Users()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return users
	}
	out := users[:0]
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.Username), query) || strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
		}
	}
	return out
}

// OnlineCount counts participants whose isOnline flag is set, self included.
func (v *View) OnlineCount(participants []string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, id := range models.NormalizeParticipants(participants) {
		if u, ok := v.users[id]; ok && u.IsOnline {
			n++
		}
	}
	return n
}

// StatusText is "Online" or "Last seen <relative time> ago".
func (v *View) StatusText(u models.User) string {
	if u.IsOnline {
		return StatusOnline
	}
	if u.LastSeen.IsZero() {
		return StatusOffline
	}
	return "Last seen " + v.RelativeTime(u.LastSeen)
}

// ConversationStatus is "N members, M online" for groups and the other
// member's status for direct conversations ("" when that user is unknown).
func (v *View) ConversationStatus(c models.Conversation) string {
	if c.IsGroup {
		members := len(models.NormalizeParticipants(c.Participants))
		return fmt.Sprintf("%d members, %d online", members, v.OnlineCount(c.Participants))
	}
	for _, id := range models.OtherParticipants(c, v.self) {
		if u, ok := v.User(id); ok {
			return v.StatusText(u)
		}
	}
	return ""
}

// RelativeTime renders t against the view's clock in second, minute, hour
// or day buckets, e.g. "5 minutes ago".
func (v *View) RelativeTime(t time.Time) string {
	now := v.clock.Now()
	if t.After(now) {
		t = now
	}
	return humanize.CustomRelTime(t, now, "ago", "from now", lastSeenMagnitudes)
}

func sortUsers(users []models.User) {
	slices.SortStableFunc(users, func(a, b models.User) int {
		if c := strings.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username)); c != 0 {
			return c
		}
		return strings.Compare(a.UID, b.UID)
	})
}
