package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandler_FormatSwitch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format   string
		wantJSON bool
	}{
		{format: "json", wantJSON: true},
		{format: "", wantJSON: true},
		{format: "logfmt", wantJSON: true},
		{format: "pretty", wantJSON: false},
		{format: " Console ", wantJSON: false},
		{format: "text", wantJSON: false},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		log := slog.New(newHandler(&buf, "info", tc.format))
		log.Info("sync.join", "room", "lobby", "catchup", 3)

		line := strings.TrimSpace(buf.String())
		var rec map[string]any
		isJSON := json.Unmarshal([]byte(line), &rec) == nil
		if isJSON != tc.wantJSON {
			t.Fatalf("format %q: json=%v want %v (%q)", tc.format, isJSON, tc.wantJSON, line)
		}

		if !isJSON {
			if !strings.Contains(line, "sync.join [lobby] catchup=3") {
				t.Fatalf("format %q: unexpected pretty line %q", tc.format, line)
			}
			continue
		}
		if rec["msg"] != "sync.join" || rec["room"] != "lobby" || rec["catchup"] != float64(3) {
			t.Fatalf("format %q: unexpected record %v", tc.format, rec)
		}
		if _, ok := rec[slog.SourceKey]; !ok {
			t.Fatalf("format %q: source missing from %v", tc.format, rec)
		}
	}
}

func TestNewHandler_LevelThreshold(t *testing.T) {
	t.Parallel()

	// Each case lists the lowest level that is still written.
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

	for in, lowest := range cases {
		for _, format := range []string{"json", "pretty"} {
			h := newHandler(&bytes.Buffer{}, in, format)
			for _, l := range levels {
				if got, want := h.Enabled(context.Background(), l), l >= lowest; got != want {
					t.Fatalf("level %q format %s: Enabled(%v)=%v want %v", in, format, l, got, want)
				}
			}
		}
	}
}
