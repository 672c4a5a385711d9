package logger

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

const redacted = "[redacted]"

// profile is how one environment logs
type profile struct {
	json  bool
	level slog.Level
	// clock formats timestamps short for reading in a terminal
	clock bool
	// bare drops source locations, test output only wants the failure
	bare bool
}

var profiles = map[string]profile{
	"dev":  {level: slog.LevelDebug, clock: true},
	"prod": {json: true, level: slog.LevelInfo},
	"test": {level: slog.LevelError, bare: true},
}

// Credentials travel in handshake queries and config; their values never
// reach the output
var secretKeys = map[string]bool{
	"token":         true,
	"authorization": true,
	"password":      true,
	"secret_key":    true,
}

func createHandler(config Config) (slog.Handler, error) {
	p, ok := profiles[strings.ToLower(config.Env)]
	if !ok {
		return nil, fmt.Errorf("unknown environment: %s (use 'dev', 'prod', or 'test')", config.Env)
	}

	level := p.level
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level = p.level
		}
	}

	r := replacer{pathSegments: config.SourcePathLength}
	if p.clock {
		r.timeFormat = config.TimeFormat
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource && !p.bare,
		ReplaceAttr: r.replace,
	}

	var h slog.Handler
	if p.json {
		h = slog.NewJSONHandler(config.Output, opts)
	} else {
		h = slog.NewTextHandler(config.Output, opts)
	}

	if len(config.Attrs) > 0 {
		h = h.WithAttrs(config.Attrs)
	}
	return h, nil
}

type replacer struct {
	timeFormat   string
	pathSegments int
}

func (r replacer) replace(groups []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	if len(groups) > 0 {
		return a
	}

	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok && r.timeFormat != "" {
			a.Value = slog.StringValue(t.Format(r.timeFormat))
		}
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok && src != nil && r.pathSegments > 0 {
			src.File = lastSegments(src.File, r.pathSegments)
		}
	}
	return a
}

// lastSegments keeps the trailing n elements of a file path
func lastSegments(path string, n int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= n {
		return path
	}
	return strings.Join(parts[len(parts)-n:], "/")
}
