package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the process logger and installs it as the slog default.
func New(service, level, format string) *slog.Logger {
	return newLogger(os.Stdout, service, level, format)
}

func newLogger(w io.Writer, service, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With(
		slog.String("service", service),
		slog.Int("pid", os.Getpid()),
	)

	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Peer(id string) slog.Attr {
	return slog.String("peer_id", id)
}

func Call(id int64) slog.Attr {
	return slog.Int64("call_id", id)
}
