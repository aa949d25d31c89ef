package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// New creates a new slog.Logger instance with the specified logging level
// level can be: "info", "debug", "error"
// Default is "info"
func New(level string) *slog.Logger {
	slogLevel := parseLevel(level)

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	})
	return slog.New(handler)
}

// NewJSON creates a new slog.Logger with JSON output
func NewJSON(level string) *slog.Logger {
	slogLevel := parseLevel(level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	})
	return slog.New(handler)
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to info
	}
}

// Preview returns a log-safe preview of an upstream payload. Long bodies are
// cut at maxLen and invalid UTF-8 (binary payloads, broken encodings from
// misbehaving providers) is escaped rather than logged raw.
func Preview(body []byte, maxLen int) string {
	if len(body) == 0 {
		return ""
	}
	truncated := false
	if len(body) > maxLen {
		body = body[:maxLen]
		truncated = true
	}
	s := string(body)
	if !utf8.ValidString(s) {
		escaped := fmt.Sprintf("%q", body)
		if len(escaped) > 2 {
			s = escaped[1 : len(escaped)-1]
		} else {
			s = escaped
		}
	}
	if truncated {
		s += "... [truncated]"
	}
	return s
}
