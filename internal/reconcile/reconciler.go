package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/transcript"
)

// maxActions bounds the playwright action log kept for inspection.
const maxActions = 256

// Reconciler owns the live reconciliation state for one client: the single
// active slot, the finalized-id set used for response deduplication, and the
// side observers for browser-status and playwright-log events. All mutation
// goes through a mutex so Ingest may be called from a socket read goroutine
// while accessors serve another.
type Reconciler struct {
	store  *transcript.Store
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	finalized map[string]struct{}

	browser event.BrowserStatus
	actions []json.RawMessage
}

// New creates a reconciler appending finalized entries to store.
func New(store *transcript.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		logger:    logger,
		finalized: make(map[string]struct{}),
	}
}

// BeginRequest records correlationID as the in-flight request and clears the
// thought buffer. Called at dispatch time, before the run request is sent.
func (r *Reconciler) BeginRequest(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Phase == Accumulating {
		r.logger.Warn("abandoning in-flight request buffer",
			slog.String("abandoned_id", r.state.Current),
			slog.String("new_id", correlationID),
		)
	}
	r.state = Begin(r.state, correlationID)
}

// AbortRequest returns the slot to Idle without rendering anything. Used
// when the dispatch call fails and the caller has already surfaced the
// failure as a transcript entry.
func (r *Reconciler) AbortRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Abort(r.state)
}

// OnEvent applies one agent-log event to the state machine, performing its
// effects (transcript append, finalized-id recording).
func (r *Reconciler) OnEvent(e event.AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Apply(r.state, e, r.finalized)
	r.state = out.State

	if out.Duplicate {
		r.logger.Debug("discarded duplicate response",
			slog.String("message_id", e.MessageID),
		)
		return
	}
	if out.Finalize != "" {
		r.finalized[out.Finalize] = struct{}{}
	}
	if out.Entry != nil {
		entry := *out.Entry
		if entry.ID == "" {
			entry.ID = event.NewMessageID()
		}
		r.store.Append(entry)
	}
}

// Ingest routes one received frame. Browser-status and playwright-log
// payloads go to their dedicated observers and never touch the buffer or
// the transcript, even when smuggled over the general channel with a type
// discriminator. Everything else on agent-log is decoded at this boundary
// and fed to the state machine; undecodable payloads are logged and
// dropped.
func (r *Reconciler) Ingest(f event.Frame) {
	switch f.Channel {
	case event.ChannelBrowserStatus:
		r.ingestBrowserStatus(f.Payload)
		return
	case event.ChannelPlaywrightLog:
		r.ingestAction(f.Payload)
		return
	case event.ChannelAgentLog:
	default:
		r.logger.Debug("ignoring frame on unknown channel", slog.String("channel", f.Channel))
		return
	}

	// Custom events delivered on the general channel are diverted by their
	// type discriminator.
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.Payload, &probe); err == nil {
		switch probe.Type {
		case event.ChannelBrowserStatus:
			r.ingestBrowserStatus(f.Payload)
			return
		case event.ChannelPlaywrightLog:
			r.ingestAction(f.Payload)
			return
		}
	}

	e, err := event.Decode(f.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable agent-log payload", slog.Any("error", err))
		return
	}
	r.OnEvent(e)
}

// Run consumes frames until the channel closes or ctx is cancelled. A
// single consumer preserves the connection's delivery order through the
// state machine.
func (r *Reconciler) Run(ctx context.Context, frames <-chan event.Frame) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.Ingest(f)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) ingestBrowserStatus(raw []byte) {
	var bs event.BrowserStatus
	if err := json.Unmarshal(raw, &bs); err != nil {
		r.logger.Warn("dropping malformed browser-status payload", slog.Any("error", err))
		return
	}
	r.mu.Lock()
	r.browser = bs
	r.mu.Unlock()
}

func (r *Reconciler) ingestAction(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.actions) >= maxActions {
		r.actions = r.actions[1:]
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	r.actions = append(r.actions, cp)
}

// Processing reports whether a request is in flight.
func (r *Reconciler) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Phase == Accumulating
}

// Current returns the in-flight correlation id, if any.
func (r *Reconciler) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Current, r.state.Phase == Accumulating
}

// Thoughts returns a snapshot of the live thought buffer.
func (r *Reconciler) Thoughts() []event.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]event.AgentEvent, len(r.state.Buffer))
	copy(out, r.state.Buffer)
	return out
}

// Browser returns the last observed browser status.
func (r *Reconciler) Browser() event.BrowserStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser
}

// Actions returns a snapshot of the observed playwright action log.
func (r *Reconciler) Actions() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]json.RawMessage, len(r.actions))
	copy(out, r.actions)
	return out
}

// Finalized reports whether a response for the correlation id was already
// accepted.
func (r *Reconciler) Finalized(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.finalized[correlationID]
	return ok
}

// Reset clears the slot, the finalized-id set, and the transcript. This is
// the conversation boundary: without per-session buffer partitioning it is
// the only way correlation state from one conversation cannot leak into the
// next.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = State{}
	r.finalized = make(map[string]struct{})
	r.actions = nil
	r.store.Clear()
}
