package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aim-chat/chat-sync/internal/platform/metrics"
	"aim-chat/chat-sync/internal/remote"
)

const writeOpPresence = "presence"

// Announcer publishes the current user's online flag. Writes are best-effort:
// failures are logged and counted, never returned.
type Announcer struct {
	channel remote.Channel
	self    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collectors
}

func NewAnnouncer(channel remote.Channel, currentUserID string, timeout time.Duration, logger *slog.Logger, m *metrics.Collectors) *Announcer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Announcer{channel: channel, self: currentUserID, timeout: timeout, logger: logger, metrics: m}
}

// Announce sets isOnline and stamps lastSeen with the server clock.
func (a *Announcer) Announce(ctx context.Context, online bool) {
	if a == nil || a.channel == nil || a.self == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	err := a.channel.Update(ctx, remote.CollectionUsers, a.self, remote.PresenceUpdates(online)...)
	switch {
	case err == nil:
		a.metrics.ObserveWrite(writeOpPresence, metrics.ResultOK)
	case errors.Is(err, remote.ErrNotFound):
		a.metrics.ObserveWrite(writeOpPresence, metrics.ResultDropped)
		a.logger.Debug("presence not announced: user record missing", "user_id", a.self)
	default:
		a.metrics.ObserveWrite(writeOpPresence, metrics.ResultDropped)
		a.logger.Debug("presence write dropped", "user_id", a.self, "online", online, "error", err.Error())
	}
}
