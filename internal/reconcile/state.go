// Package reconcile implements the client-side event reconciliation state
// machine: it merges the asynchronous agent-log stream into a per-request
// thought buffer, deduplicates terminal response events by correlation id,
// and finalizes buffered thoughts into immutable transcript entries.
package reconcile

import (
	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/transcript"
)

// Phase is the reconciler's processing phase.
type Phase int

const (
	// Idle means no request is in flight.
	Idle Phase = iota
	// Accumulating means a request was dispatched and intermediate events
	// are being buffered against its correlation id.
	Accumulating
)

func (p Phase) String() string {
	if p == Accumulating {
		return "accumulating"
	}
	return "idle"
}

// MaxThoughts bounds the live thought buffer; when full, the oldest
// intermediate event is evicted.
const MaxThoughts = 512

// State is the reconciler's single active slot: the phase, the correlation
// id of the in-flight request (when accumulating), and the thought buffer.
// There is exactly one slot per client; overlapping dispatches reuse it,
// abandoning the prior buffer (a documented trade-off of this protocol).
type State struct {
	Phase   Phase
	Current string
	Buffer  []event.AgentEvent
}

// Outcome is the result of applying one event to a state: the next state
// plus the side effects the caller must perform.
type Outcome struct {
	State State
	// Entry, when non-nil, must be appended to the transcript. Its ID is
	// empty for error events, signalling the caller to assign a fresh local
	// id (errors never reuse the correlation id as an entry id).
	Entry *transcript.Entry
	// Finalize, when non-empty, is a correlation id to record in the
	// finalized-id set.
	Finalize string
	// Duplicate marks a response event discarded by deduplication.
	Duplicate bool
}

// Begin is the dispatch transition: it moves the slot to Accumulating for
// the given correlation id with an empty buffer, abandoning whatever the
// slot previously held.
func Begin(s State, correlationID string) State {
	s.Phase = Accumulating
	s.Current = correlationID
	s.Buffer = nil
	return s
}

// Abort returns the slot to Idle with an empty buffer without producing a
// transcript entry. Used when the dispatch HTTP call itself fails on the
// client side and the failure was already rendered.
func Abort(s State) State {
	s.Phase = Idle
	s.Current = ""
	s.Buffer = nil
	return s
}

// Apply is the pure transition function. finalized is read, never written;
// the caller owns mutation of the finalized-id set via Outcome.Finalize.
func Apply(s State, e event.AgentEvent, finalized map[string]struct{}) Outcome {
	switch {
	case e.Intermediate():
		return applyIntermediate(s, e)
	case e.Kind == event.KindError:
		return applyError(s, e)
	case e.Kind == event.KindResponse:
		return applyResponse(s, e, finalized)
	default:
		return Outcome{State: s}
	}
}

// applyIntermediate appends to the buffer. Events without a messageId are
// attributed to whatever request is currently in flight; events tagged for
// another id land in the same single slot, the misattribution risk the
// protocol accepts in exchange for not keeping per-id buffers.
func applyIntermediate(s State, e event.AgentEvent) Outcome {
	if len(s.Buffer) >= MaxThoughts {
		s.Buffer = s.Buffer[1:]
	}
	buf := make([]event.AgentEvent, len(s.Buffer), len(s.Buffer)+1)
	copy(buf, s.Buffer)
	s.Buffer = append(buf, e)
	return Outcome{State: s}
}

// applyError terminates unconditionally: it never consults the dedup set,
// because an error implies abnormal termination and must always render. The
// buffered thoughts are discarded, not attached.
func applyError(s State, e event.AgentEvent) Outcome {
	msg := e.Message
	if msg == "" {
		msg = "An error occurred. Please try again."
	}
	entry := &transcript.Entry{
		Role:      transcript.RoleAgent,
		Content:   msg,
		Timestamp: e.Timestamp,
	}
	return Outcome{State: Abort(s), Entry: entry}
}

// applyResponse finalizes the in-flight request: first-seen wins, later
// duplicates for the same correlation id are discarded silently.
func applyResponse(s State, e event.AgentEvent, finalized map[string]struct{}) Outcome {
	id := e.MessageID
	if id == "" {
		id = s.Current
	}
	if _, done := finalized[id]; done {
		return Outcome{State: s, Duplicate: true}
	}

	thoughts := make([]event.AgentEvent, len(s.Buffer))
	copy(thoughts, s.Buffer)

	entry := &transcript.Entry{
		ID:        id,
		Role:      transcript.RoleAgent,
		Content:   e.Message,
		Timestamp: e.Timestamp,
		Thoughts:  thoughts,
	}

	s.Phase = Idle
	s.Current = ""
	s.Buffer = nil
	return Outcome{State: s, Entry: entry, Finalize: id}
}
