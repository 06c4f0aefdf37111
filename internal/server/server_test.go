package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/enginesrv/internal/config"
	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.EnginePath = map[string]string{"cat": "/bin/cat"}
	cfg.EngineNames = []string{"cat"}
	cfg.IdleTimeout = config.Duration(2 * time.Second)
	cfg.MaxSessions = 2

	tokens := tokenreg.New(testLogger(), []string{"good"})
	srv := New(testLogger(), &cfg, tokens, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, "good"
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestControlSessionRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["status"] != "error" || frame["error_code"] != "AUTH_REQUIRED" {
		t.Fatalf("unexpected frame: %v", frame)
	}
}

func TestControlSessionEchoesThroughChildProcess(t *testing.T) {
	ts, tok := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/?token="+tok), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, welcome, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var w map[string]any
	json.Unmarshal(welcome, &w)
	if w["status"] != "connected" {
		t.Fatalf("expected connected welcome, got %v", w)
	}

	cmd := `{"command":"ping","params":{}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, echoed, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if strings.TrimSpace(string(echoed)) != cmd {
		t.Fatalf("expected cat to echo command verbatim, got %q", echoed)
	}
}

func TestPassiveMetricsSubscriptionDoesNotCountAgainstCapacity(t *testing.T) {
	ts, tok := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fill every control slot first (MaxSessions is 2 in newTestServer);
	// the passive upgrade below must still be accepted.
	for i := 0; i < 2; i++ {
		c, _, err := websocket.Dial(ctx, wsURL(ts, "/?token="+tok), nil)
		if err != nil {
			t.Fatalf("dial control %d: %v", i, err)
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read control %d welcome: %v", i, err)
		}
		var cw map[string]any
		json.Unmarshal(data, &cw)
		if cw["status"] != "connected" {
			t.Fatalf("expected control session %d to be admitted, got %v", i, cw)
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/metrics?token="+tok), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, welcome, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var w map[string]any
	json.Unmarshal(welcome, &w)
	if w["status"] != "connected" {
		t.Fatalf("expected connected welcome, got %v", w)
	}
}
