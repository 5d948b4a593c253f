package webrtcpeer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerFactory_RoutesPionScopesIntoSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Infof("selected pair %d", 7)
	l.Trace("hidden")
	l.Debug("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["msg"] != "selected pair 7" {
		t.Fatalf("msg=%v, want %q", rec["msg"], "selected pair 7")
	}
	if rec["pion"] != "ice" {
		t.Fatalf("pion=%v, want %q", rec["pion"], "ice")
	}
	if rec["level"] != "INFO" {
		t.Fatalf("level=%v, want INFO", rec["level"])
	}
}

func TestLoggerFactory_SkipsFormattingWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	l := NewLoggerFactory(logger).NewLogger("dtls")
	l.Debugf("%v", panicStringer{})
	l.Errorf("handshake failed: %s", "timeout")

	out := buf.String()
	if !strings.Contains(out, "handshake failed: timeout") {
		t.Fatalf("missing error line: %q", out)
	}
	if strings.Contains(out, "level=DEBUG") {
		t.Fatalf("unexpected debug line: %q", out)
	}
}

type panicStringer struct{}

func (panicStringer) String() string { panic("formatted a disabled log line") }
