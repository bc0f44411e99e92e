package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karyakarta/agentrelay/internal/event"
)

func dialTestTransport(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	logger := hub.logger
	srv := httptest.NewServer(NewTransport(hub, logger))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) event.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f event.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestTransport_GreetingOnConnect(t *testing.T) {
	hub := newTestHub(t)
	defer hub.Close()

	conn := dialTestTransport(t, hub)

	f := readFrame(t, conn)
	if f.Channel != event.ChannelAgentLog {
		t.Fatalf("greeting on channel %s", f.Channel)
	}
	ev, err := event.Decode(f.Payload)
	if err != nil {
		t.Fatalf("greeting payload: %v", err)
	}
	if ev.Kind != event.KindStatus || ev.Message != connectGreeting {
		t.Errorf("unexpected greeting: %+v", ev)
	}
}

func TestTransport_DeliversPublishedFrames(t *testing.T) {
	hub := newTestHub(t)
	defer hub.Close()

	conn := dialTestTransport(t, hub)
	readFrame(t, conn) // greeting

	// The upgrade handler registers asynchronously; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), event.ChannelPlaywrightLog, map[string]string{"method": "click"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := readFrame(t, conn)
	if f.Channel != event.ChannelPlaywrightLog {
		t.Errorf("expected playwright-log, got %s", f.Channel)
	}
}

func TestTransport_ClientDisconnectUnsubscribes(t *testing.T) {
	hub := newTestHub(t)
	defer hub.Close()

	conn := dialTestTransport(t, hub)
	readFrame(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected unsubscribe after disconnect, still %d clients", hub.ClientCount())
	}
}
