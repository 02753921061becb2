package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keel-go/internal/config"
)

func TestKeelHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "file written",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\tfile written\n",
		},
		{
			name:    "debug level",
			opID:    "op-456",
			level:   slog.LevelDebug,
			message: "remediation state",
			want:    "2024-06-15T14:30:45Z\tDEBUG\top-456\tremediation state\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "uploaded",
			attrs:   []slog.Attr{slog.String("path", "src/App.jsx"), slog.Int("size", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-789\tuploaded\tpath=src/App.jsx\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &keelHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestKeelHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &keelHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "badger")}).(*keelHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "compaction", 0)
	r.AddAttrs(slog.String("key", "abc"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=badger") {
		t.Errorf("expected pre-set attr component=badger, got: %q", got)
	}
	if !strings.Contains(got, "key=abc") {
		t.Errorf("expected record attr key=abc, got: %q", got)
	}
}

func TestKeelHandler_Enabled(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Leveler
		check slog.Level
		want  bool
	}{
		{name: "no level enables all", level: nil, check: slog.LevelDebug, want: true},
		{name: "info filters debug", level: slog.LevelInfo, check: slog.LevelDebug, want: false},
		{name: "info allows warn", level: slog.LevelInfo, check: slog.LevelWarn, want: true},
		{name: "error filters warn", level: slog.LevelError, check: slog.LevelWarn, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &keelHandler{level: tt.level}
			if got := h.Enabled(context.Background(), tt.check); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for name, want := range tests {
		if got := parseLevel(name); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, closer, err := newLogger(config.LogConfig{Level: "info", MaxSizeMB: 1}, dir, "test-op")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}

	logger.Debug("hidden")
	logger.Info("visible", "project", "p1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "keel.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "\ttest-op\tvisible\tproject=p1") {
		t.Errorf("log file missing info line: %q", got)
	}
	if strings.Contains(got, "hidden") {
		t.Errorf("log file contains filtered debug line: %q", got)
	}
}
