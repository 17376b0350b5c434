package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/charmbracelet/lipgloss"
)

// LevelAccess sits between INFO and WARN and carries one record per
// dispatched request.
const LevelAccess = slog.Level(2)

// LevelTrace matches the level Watermill uses for trace records.
const LevelTrace = watermill.LevelTrace

const consoleTimeFormat = "2006-01-02 15:04:05.000"

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "access":
		return LevelAccess, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// LevelName renders a level the way the console handler prints it.
func LevelName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return "TRACE"
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < LevelAccess:
		return "INFO"
	case level < slog.LevelWarn:
		return "ACCESS"
	case level < slog.LevelError:
		return "WARN"
	}
	return "ERROR"
}

// ConsoleOptions configures NewConsoleHandler.
type ConsoleOptions struct {
	Level   slog.Leveler
	NoColor bool
}

// ConsoleHandler is a slog.Handler producing single-line, colourised records:
//
//	2026-01-02 15:04:05.000 ACCESS Request dispatched handler=books request_id=r1
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	styles map[string]lipgloss.Style
	key    lipgloss.Style
	color  bool
	attrs  []slog.Attr
	group  string
}

// NewConsoleHandler builds a ConsoleHandler writing to w.
func NewConsoleHandler(w io.Writer, opts *ConsoleOptions) *ConsoleHandler {
	if opts == nil {
		opts = &ConsoleOptions{}
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}

	renderer := lipgloss.NewRenderer(w)
	return &ConsoleHandler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
		color: !opts.NoColor,
		key:   renderer.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		styles: map[string]lipgloss.Style{
			"TRACE":  renderer.NewStyle().Foreground(lipgloss.Color("#6B7280")),
			"DEBUG":  renderer.NewStyle().Foreground(lipgloss.Color("#3B82F6")),
			"INFO":   renderer.NewStyle().Foreground(lipgloss.Color("#10B981")),
			"ACCESS": renderer.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true),
			"WARN":   renderer.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
			"ERROR":  renderer.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
		},
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	if !r.Time.IsZero() {
		b.WriteString(r.Time.Format(consoleTimeFormat))
		b.WriteByte(' ')
	}
	name := LevelName(r.Level)
	b.WriteString(h.paint(h.styles[name], fmt.Sprintf("%-6s", name)))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func (h *ConsoleHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, nested := range a.Value.Group() {
			h.writeAttr(b, key, nested)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(h.paint(h.key, key+"="))
	b.WriteString(formatValue(a.Value))
}

func (h *ConsoleHandler) paint(style lipgloss.Style, s string) string {
	if !h.color {
		return s
	}
	return style.Render(s)
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
