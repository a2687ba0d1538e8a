// Package rpc exposes the chat orchestrator over JSON-RPC 2.0 on /rpc and
// streams change notifications as server-sent events on /rpc/stream.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aim-chat/chat-sync/internal/app"
	"aim-chat/chat-sync/internal/domains/timeline"
	"aim-chat/chat-sync/internal/platform/ratelimiter"
	"aim-chat/chat-sync/pkg/models"
)

const (
	DefaultRPCAddr = "127.0.0.1:8787"

	defaultHeartbeat   = 20 * time.Second
	changeNotification = "chat.changed"
	notificationFormat = 1
)

// ChatService is the orchestrator surface the transport drives.
type ChatService interface {
	Status() app.SessionStatus
	SelectConversation(ctx context.Context, id string) error
	CreateOrOpenConversation(ctx context.Context, participantIDs []string, isGroup bool, groupName string) (string, error)
	ListConversations() []models.Conversation
	SearchConversations(query string) []models.Conversation
	ConversationName(id string) string
	ConversationMembers(id string) []models.User
	ConversationStatus(id string) string
	ListMessages(conversationID string) ([]timeline.Entry, error)
	ListUsers() []models.User
	SearchUsers(query string) []models.User
	UserStatus(uid string) string
	Send(ctx context.Context, req app.SendRequest) (string, error)
	SetMembership(ctx context.Context, conversationID, userID string, change app.MembershipChange) error
	SetTyping(ctx context.Context, composing bool)
	TypingText() string
	MarkRead(ctx context.Context, messageID string) error
	MarkConversationRead(ctx context.Context) (int, error)
	Changes(fromSeq int64) ([]app.ChangeEvent, <-chan app.ChangeEvent, func())
}

type Options struct {
	// Token is required from clients when non-empty.
	Token  string
	Logger *slog.Logger
	// Limiter throttles requests per client; nil disables throttling.
	Limiter   *ratelimiter.MapLimiter
	Heartbeat time.Duration
}

type Server struct {
	httpServer *http.Server
	service    ChatService
	token      string
	logger     *slog.Logger
	limiter    *ratelimiter.MapLimiter
	heartbeat  time.Duration
}

func NewServer(addr string, svc ChatService, opts Options) *Server {
	if addr == "" {
		addr = DefaultRPCAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:   svc,
		token:     strings.TrimSpace(opts.Token),
		logger:    logger,
		limiter:   opts.Limiter,
		heartbeat: heartbeat,
	}
	if s.token == "" {
		logger.Warn("rpc token is not set; RPC auth disabled", "addr", addr)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRPCStream replays retained changes newer than ?cursor= and then
// streams live ones until the client goes away.
func (s *Server) handleRPCStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replay, ch, cancel := s.service.Changes(cursor)
	defer cancel()

	for _, evt := range replay {
		if err := writeSSEEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt app.ChangeEvent) error {
	payload := map[string]any{"kind": evt.Kind}
	if evt.ConversationID != "" {
		payload["conversationId"] = evt.ConversationID
	}
	if evt.Err != nil {
		payload["error"] = evt.Err.Error()
	}
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  changeNotification,
		"params": map[string]any{
			"version":   notificationFormat,
			"seq":       evt.Seq,
			"timestamp": evt.Timestamp,
			"payload":   payload,
		},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", evt.Seq); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token := extractRPCToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractRPCToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Chatsync-Token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// clientKey buckets requests by token when one is presented, else by host.
func clientKey(r *http.Request) string {
	if token := extractRPCToken(r); token != "" {
		return ratelimiter.Key("token", token)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return ratelimiter.Key("ip", "unknown")
	}
	return ratelimiter.Key("ip", host)
}
