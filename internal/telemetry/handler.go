package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pbaille/jobfiltr/internal/domain"
)

// captureHandler copies every record it sees into a ring as a ConsoleLog.
// It never writes anywhere else, so it is meant to sit in a fanout next
// to the real output handlers.
type captureHandler struct {
	ring   *Ring[domain.ConsoleLog]
	level  slog.Leveler
	prefix string // rendered attrs from WithAttrs
	group  string
}

func (h *captureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.group, a)
		return true
	})

	h.ring.Write(domain.ConsoleLog{
		Level:     levelName(r.Level),
		Message:   sb.String(),
		Timestamp: r.Time.UnixMilli(),
	})
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&sb, h.group, a)
	}
	next := *h
	next.prefix = sb.String()
	return &next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = qualify(h.group, name)
	return &next
}

func writeAttr(sb *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		g := qualify(group, a.Key)
		for _, sub := range a.Value.Group() {
			writeAttr(sb, g, sub)
		}
		return
	}
	fmt.Fprintf(sb, " %s=%v", qualify(group, a.Key), a.Value.Any())
}

func qualify(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	default:
		return group + "." + key
	}
}

// levelName maps slog levels onto console method names
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
