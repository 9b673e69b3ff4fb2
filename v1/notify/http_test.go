package notify

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-fleet/v1/coord"
)

// publishUntil publishes t every few milliseconds until stop is closed, so
// the handler's subscription is certain to see one event.
func publishUntil(n *Notifier, t ChangeType, stop <-chan struct{}) {
	for {
		_ = n.Publish(context.Background(), t)
		select {
		case <-stop:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSSEHandlerStream(t *testing.T) {
	n := New(coord.NewMemory(), WithOrigin("r1"))
	srv := httptest.NewServer(SSEHandler(n))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(n, ChangeAgent, stop)
	go publishUntil(n, ChangeModel, stop)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: config_changed" {
		t.Fatalf("unexpected line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := Decode("", []byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")))
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Type != ChangeModel || ev.Origin != "r1" {
		t.Fatalf("filter not applied: %+v", ev)
	}
}

func TestSSEHandlerBadType(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(New(coord.NewMemory())))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=everything")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerClosedSubstrate(t *testing.T) {
	ps := coord.NewMemory()
	_ = ps.Close()
	srv := httptest.NewServer(SSEHandler(New(ps)))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	n := New(coord.NewMemory(), WithOrigin("r2"))
	srv := httptest.NewServer(WebSocketHandler(n))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(n, ChangeGeneral, stop)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", mt)
	}
	ev, err := Decode("", msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != ChangeGeneral || ev.Origin != "r2" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketHandlerBadType(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(New(coord.NewMemory())))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?type=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}
