package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"wechatslave/pkg/config"
)

const (
	envFormat    = "WECHATSLAVE_LOG_FORMAT"
	envLevel     = "WECHATSLAVE_LOG_LEVEL"
	envAddSource = "WECHATSLAVE_LOG_ADD_SOURCE"

	defaultFormat = "text"
	defaultLevel  = "info"
)

// LogEntry is one line of JSON output. The component and channel attributes
// are lifted out of Fields so bridge logs can be filtered per channel.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

type entryHandler struct {
	opts   options
	writer io.Writer
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	if opts.format == "text" {
		pretty := charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(opts.level),
			ReportTimestamp: true,
			ReportCaller:    opts.addSource,
			Formatter:       charmLog.TextFormatter,
		})
		return slog.New(pretty), nil
	}

	return slog.New(&entryHandler{opts: opts, writer: writer, mu: &sync.Mutex{}}), nil
}

// resolveOptions merges file settings with WECHATSLAVE_LOG_* overrides.
func resolveOptions(cfg config.LoggingConfig) (options, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if value := envValue(envFormat); value != "" {
		format = strings.ToLower(value)
	}
	if format == "" {
		format = defaultFormat
	}
	if format != "json" && format != "text" {
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := strings.ToLower(strings.TrimSpace(cfg.Level))
	if value := envValue(envLevel); value != "" {
		levelText = strings.ToLower(value)
	}
	level, err := parseLevel(levelText)
	if err != nil {
		return options{}, err
	}

	addSource := cfg.AddSource
	if value := envValue(envAddSource); value != "" {
		addSource = parseBool(value)
	}

	return options{format: format, level: level, addSource: addSource}, nil
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(levelText string) (slog.Level, error) {
	switch levelText {
	case "":
		return parseLevel(defaultLevel)
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", levelText)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		h.apply(fields, &entry, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.apply(fields, &entry, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.opts.addSource {
		entry.Caller = callerFromRecord(record)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func callerFromRecord(record slog.Record) string {
	if record.PC == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *entryHandler) apply(fields map[string]any, entry *LogEntry, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(append(append([]string{}, h.groups...), attr.Key), ".")
	}

	if s, ok := attr.Value.Any().(string); ok {
		switch key {
		case "component":
			entry.Component = s
			return
		case "channel":
			entry.Channel = s
			return
		}
	}

	fields[key] = attrValue(attr.Value)
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return value.Int64()
	case slog.KindUint64:
		return value.Uint64()
	case slog.KindFloat64:
		return value.Float64()
	case slog.KindBool:
		return value.Bool()
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = attrValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		default:
			return v
		}
	default:
		return value.String()
	}
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
