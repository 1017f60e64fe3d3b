package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLoggerLevels(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	for _, tc := range []struct{ level, msg, kv string }{
		{"DEBUG", "dbg", "a=1"},
		{"INFO", "inf", "b=2"},
		{"WARN", "wrn", "c=3"},
		{"ERROR", "err", "d=4"},
	} {
		if !strings.Contains(out, "level="+tc.level) || !strings.Contains(out, "msg="+tc.msg) || !strings.Contains(out, tc.kv) {
			t.Fatalf("missing %s record in output:\n%s", tc.level, out)
		}
	}
}

func TestSlogLoggerWithAddsAttributes(t *testing.T) {
	log, buf := newTestLogger(t)

	log.With("req_id", "123").Info(context.Background(), "hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "req_id=123") || !strings.Contains(out, "k=v") {
		t.Fatalf("expected child attributes, got %q", out)
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Format: "json", Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept", "user_id", "u1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not json: %v", err)
	}
	if rec["msg"] != "kept" || rec["user_id"] != "u1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Fatal("expected unknown format error")
	}
	if _, err := New(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestFromContext(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := WithLogger(context.Background(), log)

	FromContext(ctx, nil).Info(ctx, "from ctx")
	if !strings.Contains(buf.String(), "from ctx") {
		t.Fatalf("expected context logger to be used")
	}

	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected nop fallback")
	}
}
