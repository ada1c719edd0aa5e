package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventBuildProgress, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventBuildFinished, EventModelSwapped},
	}}

	if !h.shouldSend(client, &Event{Type: EventBuildFinished}) {
		t.Error("Should receive build_finished events")
	}
	if !h.shouldSend(client, &Event{Type: EventModelSwapped}) {
		t.Error("Should receive model_swapped events")
	}
	if h.shouldSend(client, &Event{Type: EventBuildProgress}) {
		t.Error("Should NOT receive build_progress events")
	}
}

func TestShouldSend_BuildFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{BuildIDs: []string{"build_a"}}}

	if !h.shouldSend(client, &Event{Type: EventBuildProgress, BuildID: "build_a"}) {
		t.Error("Should match the watched build")
	}
	if h.shouldSend(client, &Event{Type: EventBuildProgress, BuildID: "build_b"}) {
		t.Error("Should NOT match other builds")
	}
	if !h.shouldSend(client, &Event{Type: EventModelSwapped}) {
		t.Error("Build filter should only apply to build events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventBuildFinished, BuildID: "build_x"}) {
		t.Error("Empty subscription should receive everything")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastBuild(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventBuildFinished}},
	}
	h.register <- client

	h.BroadcastBuild("build_a", false, map[string]any{"devicesDone": 1})
	h.BroadcastBuild("build_a", true, map[string]any{"status": "completed"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		if ev.Type != EventBuildFinished || ev.BuildID != "build_a" {
			t.Errorf("Expected build_finished for build_a, got %s %s", ev.Type, ev.BuildID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	select {
	case <-client.send:
		t.Error("Progress event should have been filtered out")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Narrow the subscription to model swaps, then wait for it to apply.
	if err := conn.WriteJSON(Subscription{EventTypes: []EventType{EventModelSwapped}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.BroadcastBuild("build_a", false, nil)
	h.BroadcastModelSwap(map[string]string{"version": "2025-03-01"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventModelSwapped {
		t.Errorf("Expected model_swapped, got %s", ev.Type)
	}
}
