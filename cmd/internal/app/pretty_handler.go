package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one line per record for local development:
//
//	15:04:05.000 INFO  sync.join [lobby 01J9...] cursor=5 catchup=3 src=coordinator.go:114
//
// Top-level room and session_id attributes move into the bracketed column so
// lines for one room line up. Everything else follows as key=value, with group
// paths joined by dots.
type prettyHandler struct {
	w         io.Writer
	level     slog.Leveler
	addSource bool
	color     bool
	mu        *sync.Mutex

	group string
	bound []prettyField
}

type prettyField struct {
	key string
	val slog.Value
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	fields := slices.Clone(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		fields = flattenAttr(fields, a, h.group)
		return true
	})

	var room, session string
	rest := make([]prettyField, 0, len(fields))
	for _, f := range fields {
		switch f.key {
		case "room":
			room = valueToString(f.val)
		case "session_id":
			session = valueToString(f.val)
		default:
			rest = append(rest, f)
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, ansiBright, h.color))

	if room != "" || session != "" {
		b.WriteString(" [")
		b.WriteString(paint(room, ansiCyan, h.color))
		if session != "" {
			if room != "" {
				b.WriteByte(' ')
			}
			b.WriteString(paint(session, ansiDim, h.color))
		}
		b.WriteByte(']')
	}

	for _, f := range rest {
		b.WriteByte(' ')
		b.WriteString(remapPrettyKey(f.key))
		b.WriteByte('=')
		b.WriteString(h.prettyValue(f.key, f.val))
	}

	if h.addSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs flattens attrs against the groups open now; groups opened later
// do not apply to them.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.bound = slices.Clone(h.bound)
	for _, a := range attrs {
		cp.bound = flattenAttr(cp.bound, a, h.group)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.group = joinKey(h.group, name)
	return &cp
}

// flattenAttr appends a, or the leaves of a group, keyed by their full path.
// Empty keys are dropped except on groups, which are inlined.
func flattenAttr(dst []prettyField, a slog.Attr, path string) []prettyField {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			path = joinKey(path, key)
		}
		for _, ga := range a.Value.Group() {
			dst = flattenAttr(dst, ga, path)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	return append(dst, prettyField{key: joinKey(path, key), val: a.Value})
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	return paint(quoteIfNeeded(valueToString(v)), keyColors[key], h.color)
}

// keyColors highlights the attributes operators scan for when following a room.
var keyColors = map[string]string{
	"path":   ansiCyan,
	"id":     ansiMagenta,
	"cursor": ansiMagenta,
	"err":    ansiRed,
}

var prettyKeys = map[string]string{
	"status_class": "class",
	"duration_ms":  "duration",
}

func remapPrettyKey(k string) string {
	if short, ok := prettyKeys[k]; ok {
		return short
	}
	return k
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	// Value.String formats every other kind like fmt.Sprint.
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=[]") {
		return strconv.Quote(s)
	}
	return s
}

// levelTag pads to a fixed width so messages start in one column.
func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WARN ", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DEBUG", ansiMagenta, color)
	default:
		return paint("INFO ", ansiBlue, color)
	}
}
