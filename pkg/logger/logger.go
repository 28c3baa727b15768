// Package logger builds the process *slog.Logger: charm text output for terminals and one JSON
// object per line for log shippers.
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

	"tgpipe/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	defaultLevel = "info"
)

// Attribute keys lifted out of fields in json output, so one dispatch cycle can be followed
// across packages and failures grouped by pipeline error category.
const (
	KeyComponent = "component"
	KeyCycleID   = "cycle_id"
	KeyUpdateID  = "update_id"
	KeyCategory  = "category"
)

// LogEntry is one line of json output.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	CycleID   string         `json:"cycle_id,omitempty"`
	UpdateID  *int64         `json:"update_id,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// New builds the process logger on stderr. Environment overrides are already applied by config.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New writing to w, e.g. a log file while the console UI owns the terminal.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = formatText
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch format {
	case formatText:
		return slog.New(charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	case formatJSON:
		return slog.New(&jsonHandler{
			level:     level,
			addSource: cfg.AddSource,
			out:       &lockedWriter{w: w},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func parseLevel(input string) (slog.Level, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		text = defaultLevel
	}
	if text == "warning" {
		text = "warn"
	}

	var level slog.Level
	if level.UnmarshalText([]byte(text)) != nil {
		return 0, fmt.Errorf("unsupported log level %q", text)
	}

	return level, nil
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

// lockedWriter serializes lines from handlers derived with WithAttrs/WithGroup.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(line []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	_, err := lw.w.Write(append(line, '\n'))
	return err
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	out       *lockedWriter
	attrs     []slog.Attr
	prefix    string
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, attr := range attrs {
		attr.Key = h.prefix + attr.Key
		next.attrs = append(next.attrs, attr)
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		entry.put(fields, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		attr.Key = h.prefix + attr.Key
		entry.put(fields, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return h.out.writeLine(line)
}

// put stores attr on the entry when its key is promoted, in fields otherwise.
func (e *LogEntry) put(fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	switch attr.Key {
	case KeyComponent:
		if attr.Value.Kind() == slog.KindString {
			e.Component = attr.Value.String()
			return
		}
	case KeyCycleID:
		e.CycleID = attr.Value.String()
		return
	case KeyCategory:
		if category := attr.Value.String(); category != "" {
			e.Category = category
		}
		return
	case KeyUpdateID:
		if id, ok := int64Value(attr.Value); ok {
			e.UpdateID = &id
			return
		}
	}

	fields[attr.Key] = plain(attr.Value)
}

func int64Value(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	default:
		return 0, false
	}
}

// plain converts a value to something encoding/json renders readably.
func plain(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := v.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = plain(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
