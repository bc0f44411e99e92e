// Package relay implements the process-wide broadcast hub: payloads posted
// by the backend (or any trusted producer) are routed onto a named channel
// and fanned out verbatim to every connected real-time client. Delivery is
// at-most-once and best-effort; the hub keeps no event state beyond the live
// connection registry.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/observability"
)

// subscriberBuffer is the per-client frame buffer; a client that falls this
// far behind starts losing frames rather than slowing the hub.
const subscriberBuffer = 64

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("relay hub closed")

// Hub is the shared broadcaster. It is constructed once at process start
// and passed by handle to every component that publishes; there is no
// package-level instance.
type Hub struct {
	logger  *slog.Logger
	trace   *observability.TraceManager
	metrics *observability.MetricsManager

	mu          sync.RWMutex
	subscribers map[string]chan event.Frame
	closed      bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, trace *observability.TraceManager, metrics *observability.MetricsManager) *Hub {
	return &Hub{
		logger:      logger,
		trace:       trace,
		metrics:     metrics,
		subscribers: make(map[string]chan event.Frame),
	}
}

// Subscribe registers a client connection and returns its frame channel
// plus an unsubscribe function. The channel is closed on unsubscribe or when
// the hub shuts down.
func (h *Hub) Subscribe(connID string) (<-chan event.Frame, func()) {
	ch := make(chan event.Frame, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[connID] = ch
	h.mu.Unlock()

	h.metrics.AddConnectedClients(context.Background(), 1)
	h.logger.Info("client connected", slog.String("conn_id", connID))

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			_, present := h.subscribers[connID]
			if present {
				delete(h.subscribers, connID)
				close(ch)
			}
			h.mu.Unlock()

			if present {
				h.metrics.AddConnectedClients(context.Background(), -1)
				h.logger.Info("client disconnected", slog.String("conn_id", connID))
			}
		})
	}
	return ch, unsubscribe
}

// Send delivers a frame to a single connection, used for the connect
// greeting. It reports whether the frame was accepted.
func (h *Hub) Send(connID string, f event.Frame) bool {
	h.mu.RLock()
	ch, ok := h.subscribers[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// Publish broadcasts one event on a named channel to every connected
// client. A subscriber whose buffer is full loses the frame; the hub never
// blocks on a slow client.
func (h *Hub) Publish(ctx context.Context, channel string, payload any) error {
	f, err := event.NewFrame(channel, payload)
	if err != nil {
		return err
	}
	return h.publishFrame(ctx, f)
}

func (h *Hub) publishFrame(ctx context.Context, f event.Frame) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]chan event.Frame, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	ctx, span := h.trace.StartBroadcastSpan(ctx, f.Channel, len(targets))
	defer span.End()
	h.trace.AddComponentAttribute(span, "hub")

	for _, ch := range targets {
		select {
		case ch <- f:
			h.metrics.IncrementEventsBroadcast(ctx, f.Channel)
		default:
			h.metrics.IncrementEventsDropped(ctx, f.Channel, "subscriber_full")
			h.logger.Warn("dropping frame for slow client", slog.String("channel", f.Channel))
		}
	}

	h.trace.SetSpanSuccess(span)
	return nil
}

// Ingest routes a raw producer payload onto the right channel and
// broadcasts it. The routing is deliberately permissive: anything that is
// not a recognized shape is wrapped as a bare status message rather than
// rejected. It returns the channel the payload was broadcast on.
func (h *Hub) Ingest(ctx context.Context, raw []byte) (string, error) {
	ctx, span := h.trace.StartIngestSpan(ctx, "http")
	defer span.End()

	f := Route(raw)
	h.metrics.IncrementEventsIngested(ctx, f.Channel)

	if err := h.publishFrame(ctx, f); err != nil {
		h.trace.RecordError(span, err)
		return f.Channel, err
	}
	h.trace.SetSpanSuccess(span)
	return f.Channel, nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close shuts the hub down, closing every subscriber channel. Publishing
// after Close returns ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Route classifies a raw producer payload per the ingestion rules,
// evaluated in order:
//
//  1. type "browser-status" goes to the browser-status channel as-is.
//  2. type "playwright-log" goes to the playwright-log channel as-is.
//  3. an object with both type and message fields goes to agent-log as-is.
//  4. an object with only a message field is wrapped as a status event.
//  5. anything else is treated as a bare message string and wrapped.
func Route(raw []byte) event.Frame {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		var typ string
		if t, ok := fields["type"]; ok {
			json.Unmarshal(t, &typ)
		}
		switch typ {
		case event.ChannelBrowserStatus:
			return event.Frame{Channel: event.ChannelBrowserStatus, Payload: raw}
		case event.ChannelPlaywrightLog:
			return event.Frame{Channel: event.ChannelPlaywrightLog, Payload: raw}
		}

		_, hasMessage := fields["message"]
		if typ != "" && hasMessage {
			return event.Frame{Channel: event.ChannelAgentLog, Payload: raw}
		}
		if hasMessage {
			var msg string
			json.Unmarshal(fields["message"], &msg)
			return wrapStatus(msg)
		}
	}

	// Not an object, or an object with no usable fields: the whole payload
	// is the message.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return wrapStatus(s)
}

func wrapStatus(msg string) event.Frame {
	f, err := event.NewFrame(event.ChannelAgentLog, event.AgentEvent{
		Kind:      event.KindStatus,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		// AgentEvent marshalling cannot fail; keep the compiler honest.
		return event.Frame{Channel: event.ChannelAgentLog, Payload: json.RawMessage(`{}`)}
	}
	return f
}
