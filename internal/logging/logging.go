package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"callbrand/internal/config"
)

// Init sets a JSON (default) or text slog handler based on cfg.LogFormat.
// When cfg.LogFile is set, output is also written to a rotating file.
// The returned ring holds the most recent lines for debug bundles; it is nil
// when the ring is disabled.
func Init(service string, cfg config.Logging) (*slog.Logger, *Ring) {
	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	opts := &slog.HandlerOptions{ReplaceAttr: redact}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		})
	}

	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	var ring *Ring
	if cfg.LogRingEnabled {
		ring = NewRing(DefaultRingSize)
		handler = NewRingHandler(handler, ring)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger, ring
}

var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"apikey":        {},
	"x-api-key":     {},
	"authorization": {},
	"secret":        {},
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
