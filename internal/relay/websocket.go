package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/karyakarta/agentrelay/internal/event"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// connectGreeting mirrors the greeting the original server emitted to every
// new connection.
const connectGreeting = "Successfully connected to the agent server."

// Transport upgrades HTTP requests to WebSocket connections and pumps hub
// frames to them. The protocol is push-only: inbound frames from clients are
// read and discarded, the read loop existing solely to notice disconnects.
type Transport struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewTransport creates a transport serving connections from hub. Any origin
// is accepted, matching the original server's open CORS policy.
func NewTransport(hub *Hub, logger *slog.Logger) *Transport {
	return &Transport{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one client connection for its whole lifetime.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	connID := uuid.NewString()
	frames, unsubscribe := t.hub.Subscribe(connID)

	greeting, err := event.NewFrame(event.ChannelAgentLog, event.AgentEvent{
		Kind:      event.KindStatus,
		Message:   connectGreeting,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		t.hub.Send(connID, greeting)
	}

	go t.writePump(conn, connID, frames, unsubscribe)
	go t.readPump(conn, connID, unsubscribe)
}

func (t *Transport) writePump(conn *websocket.Conn, connID string, frames <-chan event.Frame, unsubscribe func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case f, ok := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				t.logger.Warn("write to client failed",
					slog.String("conn_id", connID),
					slog.Any("error", err),
				)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readPump(conn *websocket.Conn, connID string, unsubscribe func()) {
	defer func() {
		unsubscribe()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("client read error",
					slog.String("conn_id", connID),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}
