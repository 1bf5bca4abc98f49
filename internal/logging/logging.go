package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options override the LOG_FORMAT and LOG_LEVEL environment variables
// when set.
type Options struct {
	Level  string
	Format string
}

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"token", "password", "secret", "authorization", "private_key"}

// Init configures the default slog logger for the given service.
// Format is "text" for human-readable or "json" (default) for structured
// output. Level is "debug", "info" (default), "warn" or "error".
func Init(service string, w io.Writer, opts ...Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	format := os.Getenv("LOG_FORMAT")
	levelName := os.Getenv("LOG_LEVEL")
	for _, o := range opts {
		if o.Format != "" {
			format = o.Format
		}
		if o.Level != "" {
			levelName = o.Level
		}
	}
	handlerOpts := &slog.HandlerOptions{
		Level:       parseLevel(levelName),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	// Redirect stdlib log to slog so transitive log.Printf calls
	// still produce structured output.
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactAttr masks string values whose key names a credential.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString || a.Value.String() == "" {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// slogWriter adapts slog.Logger to io.Writer for stdlib log redirection.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, slog.String("source", "stdlib"))
	return len(p), nil
}
