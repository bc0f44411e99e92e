// Package event defines the wire-level agent event types exchanged between
// the backend executor, the relay, and connected clients, together with the
// boundary decoder that turns loose JSON payloads into validated events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"
)

// Kind discriminates the agent event union.
type Kind string

const (
	// KindStatus is an intermediate progress update ("Searching...", etc.).
	KindStatus Kind = "status"
	// KindThinking is an intermediate reasoning step from the agent.
	KindThinking Kind = "thinking"
	// KindResponse is the terminal success event for a request.
	KindResponse Kind = "response"
	// KindError is the terminal failure event for a request.
	KindError Kind = "error"
)

// Channel names used on the push connection.
const (
	ChannelAgentLog      = "agent-log"
	ChannelBrowserStatus = "browser-status"
	ChannelPlaywrightLog = "playwright-log"
)

// AgentEvent is one event on the agent-log channel. MessageID is the
// correlation id binding the event to a submitted task; it is required for
// response events and optional for every other kind.
type AgentEvent struct {
	Kind      Kind      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

// Intermediate reports whether the event only accumulates into the thought
// buffer rather than ending processing for its correlation id.
func (e AgentEvent) Intermediate() bool {
	return e.Kind == KindStatus || e.Kind == KindThinking
}

// Terminal reports whether the event ends processing for its correlation id.
func (e AgentEvent) Terminal() bool {
	return e.Kind == KindResponse || e.Kind == KindError
}

// BrowserStatus is the payload of the browser-status channel.
type BrowserStatus struct {
	Status string `json:"status"` // "active" or "closed"
	CDPURL string `json:"cdp_url,omitempty"`
}

// Active reports whether a live browser session is available.
func (b BrowserStatus) Active() bool { return b.Status == "active" }

var (
	// ErrMissingMessageID is returned when a response event arrives without
	// the correlation id that deduplication depends on.
	ErrMissingMessageID = errors.New("response event requires a messageId")
	// ErrUnknownKind is returned for a type discriminator outside the union.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Decode parses raw JSON into a validated AgentEvent. It accepts the three
// producer shapes the relay tolerates: a fully typed event object, an object
// carrying only a message, or a bare JSON string. Missing timestamps are
// stamped with the current time so downstream consumers never see a zero
// value.
func Decode(raw []byte) (AgentEvent, error) {
	var probe struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		MessageID string `json:"messageId"`
		ErrorCode string `json:"errorCode"`
	}

	if err := json.Unmarshal(raw, &probe); err != nil {
		// Not an object; a bare string is wrapped as a status event.
		var s string
		if serr := json.Unmarshal(raw, &s); serr == nil {
			return AgentEvent{Kind: KindStatus, Message: s, Timestamp: time.Now().UTC()}, nil
		}
		return AgentEvent{}, fmt.Errorf("decode agent event: %w", err)
	}

	ev := AgentEvent{
		Message:   probe.Message,
		MessageID: probe.MessageID,
		ErrorCode: probe.ErrorCode,
		Timestamp: parseTimestamp(probe.Timestamp),
	}

	switch Kind(probe.Type) {
	case KindStatus, KindThinking, KindError:
		ev.Kind = Kind(probe.Type)
	case KindResponse:
		if probe.MessageID == "" {
			return AgentEvent{}, ErrMissingMessageID
		}
		ev.Kind = KindResponse
	case "":
		// Untyped object with a message: wrapped as status, matching the
		// relay's permissive ingestion rule.
		ev.Kind = KindStatus
	default:
		return AgentEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, probe.Type)
	}

	return ev, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

// MarshalJSON emits the wire shape with an RFC 3339 timestamp.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		MessageID string `json:"messageId,omitempty"`
		ErrorCode string `json:"errorCode,omitempty"`
	}
	return json.Marshal(wire{
		Type:      string(e.Kind),
		Message:   e.Message,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		MessageID: e.MessageID,
		ErrorCode: e.ErrorCode,
	})
}

// UnmarshalJSON delegates to Decode so every path into an AgentEvent goes
// through the same validation.
func (e *AgentEvent) UnmarshalJSON(raw []byte) error {
	ev, err := Decode(raw)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	messageIDPattern = regexp.MustCompile(`^msg_\d{13}_[a-z0-9]{7,8}$`)
	sessionIDPattern = regexp.MustCompile(`^session_.+_\d{13}$`)
)

// NewMessageID generates a correlation id in the msg_<unix-ms>_<random>
// format the backend expects.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), randomBase36(7))
}

// NewSessionID generates a session id grouping tasks into one conversation.
// The identifier defaults to "default" when empty.
func NewSessionID(identifier string) string {
	if identifier == "" {
		identifier = "default"
	}
	return fmt.Sprintf("session_%s_%d", identifier, time.Now().UnixMilli())
}

// ValidMessageID reports whether id matches the generated correlation id
// format. The reconciler itself treats ids as opaque; this exists for
// ingress validation only.
func ValidMessageID(id string) bool { return messageIDPattern.MatchString(id) }

// ValidSessionID reports whether id matches the generated session id format.
func ValidSessionID(id string) bool { return sessionIDPattern.MatchString(id) }

func randomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}
