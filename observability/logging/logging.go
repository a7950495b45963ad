package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits applied when logs are written to a file.
const (
	maxLogSizeMB  = 100
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided. When file is set the
// output is written to a size-rotated log file instead of stdout.
func Setup(service, env, file string) *slog.Logger {
	var out io.Writer = os.Stdout
	if file = strings.TrimSpace(file); file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
	}
	handler, attrs := newHandler(out, service, env)
	base := slog.New(handler).With(attrArgs(attrs)...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// New returns a logger writing the service JSON format to w without touching
// the process-wide defaults.
func New(w io.Writer, service, env string) *slog.Logger {
	handler, attrs := newHandler(w, service, env)
	return slog.New(handler).With(attrArgs(attrs)...)
}

func newHandler(w io.Writer, service, env string) (slog.Handler, []slog.Attr) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return handler, attrs
}

func attrArgs(attrs []slog.Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}
