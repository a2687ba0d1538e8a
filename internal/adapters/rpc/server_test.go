package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aim-chat/chat-sync/internal/app"
	"aim-chat/chat-sync/internal/platform/ratelimiter"
	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/internal/remote/memstore"
)

func newChatService(t *testing.T, uid string) *app.Orchestrator {
	t.Helper()
	store, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore.New failed: %v", err)
	}
	ctx := context.Background()
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		if err := store.Set(ctx, remote.CollectionUsers, id, map[string]any{"uid": id, "username": name}); err != nil {
			t.Fatalf("seed user failed: %v", err)
		}
	}
	o, err := app.New(app.Options{Channel: store, CurrentUserID: uid, Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { o.SignOut(context.Background()) })
	return o
}

func rpcCall(t *testing.T, s *Server, body string, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

// callResult decodes the result of a successful call into out.
func callResult(t *testing.T, s *Server, body string, out any) {
	t.Helper()
	rec := rpcCall(t, s, body, "")
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error for %s: %+v", body, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthz(t *testing.T) {
	s := NewServer("", nil, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRPCRequiresToken(t *testing.T) {
	s := NewServer("", newChatService(t, "alice"), Options{Token: "s3cret"})
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`

	if rec := rpcCall(t, s, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := rpcCall(t, s, body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec := rpcCall(t, s, body, "s3cret")
	if rec.Code != http.StatusOK || decodeRPCResponse(t, rec).Error != nil {
		t.Fatalf("expected success with token, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRPCEnvelopeErrors(t *testing.T) {
	s := NewServer("", newChatService(t, "alice"), Options{})
	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "parse error", body: `{`, code: codeParseError},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"health_check"}`, code: codeInvalidRequest},
		{name: "trailing data", body: `{"jsonrpc":"2.0","id":1,"method":"health_check"} {}`, code: codeInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"nope"}`, code: codeMethodNotFound},
		{name: "bad params", body: `{"jsonrpc":"2.0","id":1,"method":"conversation.open","params":[1]}`, code: codeInvalidParams},
		{name: "unknown field", body: `{"jsonrpc":"2.0","id":1,"method":"message.send","params":{"body":"x"}}`, code: codeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := decodeRPCResponse(t, rpcCall(t, s, tc.body, ""))
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
		})
	}
}

func TestRPCConversationFlow(t *testing.T) {
	s := NewServer("", newChatService(t, "alice"), Options{})

	var opened struct {
		ConversationID string `json:"conversationId"`
	}
	callResult(t, s, `{"jsonrpc":"2.0","id":1,"method":"conversation.open","params":{"participantIds":["bob"]}}`, &opened)
	if opened.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}

	var status app.SessionStatus
	callResult(t, s, `{"jsonrpc":"2.0","id":2,"method":"session.status"}`, &status)
	if status.SelectedConversationID != opened.ConversationID {
		t.Fatalf("expected opened conversation selected, got %+v", status)
	}

	var sent struct {
		MessageID string `json:"messageId"`
	}
	callResult(t, s, `{"jsonrpc":"2.0","id":3,"method":"message.send","params":{"content":"hello bob"}}`, &sent)
	if sent.MessageID == "" {
		t.Fatal("expected a message id")
	}

	listBody := `{"jsonrpc":"2.0","id":4,"method":"message.list","params":["` + opened.ConversationID + `"]}`
	eventually(t, "message listed", func() bool {
		var messages []messageView
		callResult(t, s, listBody, &messages)
		return len(messages) == 1 && messages[0].Content == "hello bob" && messages[0].Receipt == "delivered"
	})

	eventually(t, "conversation listed", func() bool {
		var conversations []conversationView
		callResult(t, s, `{"jsonrpc":"2.0","id":5,"method":"conversation.list"}`, &conversations)
		return len(conversations) == 1 && conversations[0].Name == "Bob"
	})

	resp := decodeRPCResponse(t, rpcCall(t, s, `{"jsonrpc":"2.0","id":6,"method":"message.send","params":{"content":"   "}}`, ""))
	if resp.Error == nil || resp.Error.Code != codeValidation {
		t.Fatalf("expected validation error for empty message, got %+v", resp.Error)
	}
	resp = decodeRPCResponse(t, rpcCall(t, s, `{"jsonrpc":"2.0","id":7,"method":"conversation.membership","params":{"conversationId":"`+opened.ConversationID+`","userId":"carol","change":"add"}}`, ""))
	if resp.Error == nil || resp.Error.Code != codeValidation {
		t.Fatalf("expected validation error for direct membership change, got %+v", resp.Error)
	}
}

func TestRPCRateLimitPerClient(t *testing.T) {
	s := NewServer("", newChatService(t, "alice"), Options{Limiter: ratelimiter.New(0.001, 1, time.Minute)})
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if rec := rpcCall(t, s, body, ""); rec.Code != http.StatusOK {
		t.Fatalf("first call should pass, got %d", rec.Code)
	}
	if rec := rpcCall(t, s, body, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call should be throttled, got %d", rec.Code)
	}
}

type streamNotification struct {
	Method string `json:"method"`
	Params struct {
		Version int   `json:"version"`
		Seq     int64 `json:"seq"`
		Payload struct {
			Kind           string `json:"kind"`
			ConversationID string `json:"conversationId"`
		} `json:"payload"`
	} `json:"params"`
}

func TestRPCStreamReplaysAndStreamsChanges(t *testing.T) {
	svc := newChatService(t, "alice")
	s := NewServer("", svc, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/rpc/stream?cursor=0", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)
	next := func() streamNotification {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var n streamNotification
				if err := json.Unmarshal([]byte(data), &n); err != nil {
					t.Fatalf("decode notification: %v", err)
				}
				return n
			}
		}
	}

	first := next()
	if first.Method != changeNotification || first.Params.Version != notificationFormat || first.Params.Seq < 1 {
		t.Fatalf("unexpected replayed notification %+v", first)
	}

	id, err := svc.CreateOrOpenConversation(context.Background(), []string{"bob"}, false, "")
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	for {
		n := next()
		if n.Params.Payload.Kind == app.ChangeSelection && n.Params.Payload.ConversationID == id {
			return
		}
	}
}
