// Package logger builds the slog handlers used by the awaitflow binaries.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	color "github.com/fatih/color"
)

// New returns a logger writing to w in the given format ("pretty", "json" or
// "text") and dropping records below level.
func New(format, level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "", "pretty":
		return slog.New(NewPrettyHandler(w, lvl)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// PrettyHandler writes one colored line per record, meant for terminals.
type PrettyHandler struct {
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
	mut    *sync.Mutex
}

var _ slog.Handler = (*PrettyHandler)(nil)

func NewPrettyHandler(w io.Writer, level slog.Leveler) *PrettyHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &PrettyHandler{out: w, level: level, mut: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05"))
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a))
		return true
	})
	entry := fmt.Sprintf("%s %s %s%s\n",
		timeStr,
		levelColor(r.Level),
		r.Message,
		formatAttributes(attrs),
	)

	h.mut.Lock()
	defer h.mut.Unlock()
	_, err := io.WriteString(h.out, entry)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if h.prefix != "" {
		a.Key = h.prefix + a.Key
	}
	return a
}

func levelColor(level slog.Level) string {
	var bg, fg color.Attribute
	switch level {
	case slog.LevelDebug:
		bg, fg = color.BgMagenta, color.FgWhite
	case slog.LevelInfo:
		bg, fg = color.BgBlue, color.FgWhite
	case slog.LevelWarn:
		bg, fg = color.BgYellow, color.FgBlack
	case slog.LevelError:
		bg, fg = color.BgRed, color.FgWhite
	default:
		bg, fg = color.BgWhite, color.FgBlack
	}
	return color.New(bg, fg, color.Bold).Sprint(" " + strings.ToUpper(level.String()) + " ")
}

func formatAttributes(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, attr.Key+"="+formatAttrValue(attr.Value))
	}
	return " " + strings.Join(parts, " ")
}

func formatAttrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%g", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		group := v.Group()
		parts := make([]string, 0, len(group))
		for _, a := range group {
			parts = append(parts, a.Key+"="+formatAttrValue(a.Value))
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	}
}
