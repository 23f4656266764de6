package streaming

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/platform"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHub(log)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesObserver(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(time.Second)
	for h.Observers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Observers() != 1 {
		t.Fatal("observer never registered")
	}

	h.Broadcast(Frame{
		SessionID: "s1",
		Status:    "active",
		Activity: &platform.ActivityPayload{
			SessionID: "s1",
			Content:   platform.ActivityContent{Type: platform.ActivityTypeThought, Body: "hi"},
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.SessionID != "s1" || frame.Activity == nil || frame.Activity.Content.Body != "hi" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBroadcastWithNoObserversIsSafe(t *testing.T) {
	h := newTestHub(t)
	h.Broadcast(Frame{SessionID: "s1"})
}

func TestShutdownDisconnectsObservers(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	deadline := time.Now().Add(time.Second)
	for h.Observers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.Observers() != 0 {
		t.Errorf("observers = %d after shutdown", h.Observers())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
