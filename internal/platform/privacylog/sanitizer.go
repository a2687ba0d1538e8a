// Package privacylog wraps slog handlers so identifiers are fingerprinted and
// message bodies never reach log output.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type keyAction int

const (
	keepValue keyAction = iota
	redactValue
	fingerprintValue
)

var (
	bootNonce = randomNonce()
	// identifiers are useful for correlating lines but are not logged in clear
	fingerprintKeys = map[string]struct{}{
		"uid":             {},
		"user_id":         {},
		"member_id":       {},
		"sender_id":       {},
		"conversation_id": {},
		"message_id":      {},
		"reply_to_id":     {},
	}
	// user-authored text and contact details
	redactKeys = map[string]struct{}{
		"content":      {},
		"last_message": {},
		"group_name":   {},
		"email":        {},
	}
	sensitiveKeyParts = []string{"token", "secret", "password", "passphrase", "authorization"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*SanitizingHandler); ok {
		return next
	}
	return &SanitizingHandler{next: next}
}

// NewLogger returns a logger whose output passes through the sanitizer.
func NewLogger(next slog.Handler) *slog.Logger {
	return slog.New(WrapHandler(next))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	switch classifyKey(key) {
	case redactValue:
		return slog.String(key, redactedValue)
	case fingerprintValue:
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value.Resolve())))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		out := make([]any, 0, len(group))
		for _, member := range group {
			out = append(out, SanitizeAttr(member))
		}
		return slog.Group(key, out...)
	}
	return attr
}

// FingerprintID hashes value with a per-process nonce: stable within a run,
// unlinkable across runs.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classifyKey(key string) keyAction {
	lower := strings.ToLower(key)
	if _, ok := redactKeys[lower]; ok {
		return redactValue
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redactValue
		}
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return fingerprintValue
	}
	return keepValue
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
