package app

import (
	"log/slog"
	"os"

	"aim-chat/chat-sync/internal/platform/privacylog"
)

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// sanitizedLogger routes logger through the privacy sanitizer.
func sanitizedLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = DefaultLogger()
	}
	return slog.New(privacylog.WrapHandler(logger.Handler()))
}
