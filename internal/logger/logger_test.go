package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestInit(t *testing.T) {
	if Init("test-service", slog.LevelInfo) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_WritesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "ledger-api", slog.LevelInfo).Info("hello")

	rec := decodeLines(t, &buf)[0]
	if rec["service"] != "ledger-api" {
		t.Errorf("expected service attr, got %v", rec["service"])
	}
}

func TestNew_ContextIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "ledger-api", slog.LevelInfo).With(slog.String("component", "orders"))

	ctx := WithUserID(WithTraceID(context.Background(), "req-1"), "u-42")
	l.InfoContext(ctx, "order placed")
	l.Info("no context")

	recs := decodeLines(t, &buf)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0]["trace_id"] != "req-1" || recs[0]["user_id"] != "u-42" {
		t.Errorf("context identifiers missing: %v", recs[0])
	}
	if recs[0]["component"] != "orders" {
		t.Errorf("With attrs lost through handler: %v", recs[0])
	}
	if _, ok := recs[1]["trace_id"]; ok {
		t.Errorf("unexpected trace_id without context: %v", recs[1])
	}
}

func TestTraceIDAndUserID(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "" || UserID(ctx) != "" {
		t.Fatal("expected empty identifiers on a bare context")
	}

	ctx = WithUserID(WithTraceID(ctx, "test-trace-123"), "u-1")
	if got := TraceID(ctx); got != "test-trace-123" {
		t.Errorf("TraceID = %q", got)
	}
	if got := UserID(ctx); got != "u-1" {
		t.Errorf("UserID = %q", got)
	}
}

func TestNewTraceID(t *testing.T) {
	tid := NewTraceID()
	id, err := uuid.Parse(tid)
	if err != nil {
		t.Fatalf("trace id is not a uuid: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("expected UUIDv7, got v%d", id.Version())
	}
	if NewTraceID() == tid {
		t.Error("expected unique trace ids")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCtx(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	if Ctx(context.Background(), base) != base {
		t.Error("expected the same logger when ctx has no identifiers")
	}

	Ctx(WithTraceID(context.Background(), "abc-123"), base).Info("x")
	if rec := decodeLines(t, &buf)[0]; rec["trace_id"] != "abc-123" {
		t.Errorf("trace_id not attached: %v", rec)
	}
}
