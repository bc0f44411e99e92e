package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/transcript"
)

func newTestReconciler() (*Reconciler, *transcript.Store) {
	store := transcript.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger), store
}

func intermediate(kind event.Kind, msg, id string) event.AgentEvent {
	return event.AgentEvent{Kind: kind, Message: msg, MessageID: id, Timestamp: time.Now()}
}

func response(msg, id string) event.AgentEvent {
	return event.AgentEvent{Kind: event.KindResponse, Message: msg, MessageID: id, Timestamp: time.Now()}
}

func TestDedupIdempotence(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_1")

	r.OnEvent(response("done", "msg_1"))
	r.OnEvent(response("done again", "msg_1"))

	agents := 0
	for _, e := range store.All() {
		if e.Role == transcript.RoleAgent {
			agents++
			if e.ID != "msg_1" {
				t.Errorf("unexpected entry id %q", e.ID)
			}
			if e.Content != "done" {
				t.Errorf("second response overwrote the first: %q", e.Content)
			}
		}
	}
	if agents != 1 {
		t.Fatalf("expected exactly one agent entry, got %d", agents)
	}
}

func TestBufferAttachment(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_c")

	r.OnEvent(intermediate(event.KindThinking, "a", "msg_c"))
	r.OnEvent(intermediate(event.KindStatus, "b", "msg_c"))
	r.OnEvent(response("done", "msg_c"))

	entry, ok := store.Last()
	if !ok {
		t.Fatal("expected a transcript entry")
	}
	if entry.Content != "done" {
		t.Errorf("expected content %q, got %q", "done", entry.Content)
	}
	if len(entry.Thoughts) != 2 {
		t.Fatalf("expected 2 thoughts, got %d", len(entry.Thoughts))
	}
	if entry.Thoughts[0].Message != "a" || entry.Thoughts[0].Kind != event.KindThinking {
		t.Errorf("first thought wrong: %+v", entry.Thoughts[0])
	}
	if entry.Thoughts[1].Message != "b" || entry.Thoughts[1].Kind != event.KindStatus {
		t.Errorf("second thought wrong: %+v", entry.Thoughts[1])
	}

	if got := r.Thoughts(); len(got) != 0 {
		t.Errorf("buffer not cleared after finalization: %d thoughts", len(got))
	}
	if r.Processing() {
		t.Error("expected Idle after terminal event")
	}
}

func TestFallbackAttribution(t *testing.T) {
	r, _ := newTestReconciler()
	r.BeginRequest("msg_c")

	// No messageId on the intermediate event: it belongs to the current
	// request.
	r.OnEvent(intermediate(event.KindStatus, "working", ""))

	thoughts := r.Thoughts()
	if len(thoughts) != 1 {
		t.Fatalf("expected 1 buffered thought, got %d", len(thoughts))
	}
	if id, ok := r.Current(); !ok || id != "msg_c" {
		t.Errorf("expected current id msg_c, got %q (ok=%v)", id, ok)
	}
}

func TestErrorAlwaysTerminates(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_c")
	r.OnEvent(response("done", "msg_c"))

	before := store.Len()

	// A late error for an already-finalized id still terminates and still
	// renders: no dedup suppression for errors.
	r.BeginRequest("msg_d")
	r.OnEvent(intermediate(event.KindThinking, "stale", ""))
	r.OnEvent(event.AgentEvent{Kind: event.KindError, Message: "task aborted", MessageID: "msg_c", Timestamp: time.Now()})

	if store.Len() != before+1 {
		t.Fatalf("error entry suppressed: len %d, want %d", store.Len(), before+1)
	}
	entry, _ := store.Last()
	if entry.Content != "task aborted" {
		t.Errorf("unexpected error entry content: %q", entry.Content)
	}
	if len(entry.Thoughts) != 0 {
		t.Error("error entries must not carry thoughts")
	}
	if entry.ID == "msg_c" {
		t.Error("error entries must get a fresh local id, not the correlation id")
	}
	if r.Processing() {
		t.Error("expected Idle after error")
	}
	if got := r.Thoughts(); len(got) != 0 {
		t.Errorf("buffer not cleared after error: %d thoughts", len(got))
	}
}

func TestErrorWithEmptyMessageGetsFallbackText(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_c")
	r.OnEvent(event.AgentEvent{Kind: event.KindError, Timestamp: time.Now()})

	entry, ok := store.Last()
	if !ok {
		t.Fatal("expected an entry")
	}
	if entry.Content != "An error occurred. Please try again." {
		t.Errorf("unexpected fallback text: %q", entry.Content)
	}
}

func TestEndToEndScenario(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_1")

	frames := make(chan event.Frame, 3)
	mustFrame := func(payload any) event.Frame {
		f, err := event.NewFrame(event.ChannelAgentLog, payload)
		if err != nil {
			t.Fatalf("NewFrame: %v", err)
		}
		return f
	}
	frames <- mustFrame(intermediate(event.KindThinking, "let me check", "msg_1"))
	frames <- mustFrame(response("here is the answer", "msg_1"))
	close(frames)

	r.Run(context.Background(), frames)

	agents := 0
	var entry transcript.Entry
	for _, e := range store.All() {
		if e.Role == transcript.RoleAgent {
			agents++
			entry = e
		}
	}
	if agents != 1 {
		t.Fatalf("expected exactly one agent entry, got %d", agents)
	}
	if entry.ID != "msg_1" || entry.Content != "here is the answer" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if len(entry.Thoughts) != 1 || entry.Thoughts[0].Message != "let me check" {
		t.Errorf("unexpected thoughts: %+v", entry.Thoughts)
	}
	if got := r.Thoughts(); len(got) != 0 {
		t.Errorf("buffer not empty after scenario: %d", len(got))
	}
}

// Overlapping dispatches share the single slot: the second dispatch abandons
// the first buffer, late intermediates for the first request land in the
// second's buffer, and the late terminal for the abandoned id still
// finalizes against its own correlation id. This is the documented current
// behavior, not an accident.
func TestOverlappingDispatchMisattribution(t *testing.T) {
	r, store := newTestReconciler()

	r.BeginRequest("msg_1")
	r.OnEvent(intermediate(event.KindThinking, "first task thought", "msg_1"))

	r.BeginRequest("msg_2")
	if got := r.Thoughts(); len(got) != 0 {
		t.Fatalf("second dispatch must clear the buffer, got %d thoughts", len(got))
	}

	// Late intermediate from the first request: misattributed to msg_2's
	// buffer by the single-slot policy.
	r.OnEvent(intermediate(event.KindStatus, "late from first", "msg_1"))

	r.OnEvent(response("second done", "msg_2"))
	entry, _ := store.Last()
	if entry.ID != "msg_2" {
		t.Fatalf("expected msg_2 entry, got %q", entry.ID)
	}
	if len(entry.Thoughts) != 1 || entry.Thoughts[0].Message != "late from first" {
		t.Errorf("expected the late intermediate attached to msg_2: %+v", entry.Thoughts)
	}

	// The abandoned request's terminal still lands under its own id.
	r.OnEvent(response("first done", "msg_1"))
	entry, _ = store.Last()
	if entry.ID != "msg_1" || entry.Content != "first done" {
		t.Errorf("late terminal for abandoned id mishandled: %+v", entry)
	}
	// And only once.
	r.OnEvent(response("first done again", "msg_1"))
	if entry2, _ := store.Last(); entry2.Content == "first done again" {
		t.Error("duplicate response for abandoned id not deduplicated")
	}
}

func TestCustomEventsNeverReachTheBuffer(t *testing.T) {
	r, _ := newTestReconciler()
	r.BeginRequest("msg_1")

	// Dedicated channels.
	r.Ingest(event.Frame{Channel: event.ChannelBrowserStatus, Payload: json.RawMessage(`{"status":"active","cdp_url":"ws://x"}`)})
	r.Ingest(event.Frame{Channel: event.ChannelPlaywrightLog, Payload: json.RawMessage(`{"method":"click","selector":"#go"}`)})

	// Same payloads smuggled over the general channel.
	r.Ingest(event.Frame{Channel: event.ChannelAgentLog, Payload: json.RawMessage(`{"type":"browser-status","status":"closed"}`)})
	r.Ingest(event.Frame{Channel: event.ChannelAgentLog, Payload: json.RawMessage(`{"type":"playwright-log","method":"fill"}`)})

	if got := r.Thoughts(); len(got) != 0 {
		t.Errorf("custom events leaked into the thought buffer: %d", len(got))
	}
	if bs := r.Browser(); bs.Active() {
		t.Errorf("expected last browser status closed, got %+v", bs)
	}
	if got := len(r.Actions()); got != 2 {
		t.Errorf("expected 2 recorded actions, got %d", got)
	}
}

func TestAbortRequest(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_1")
	r.OnEvent(intermediate(event.KindStatus, "working", ""))

	r.AbortRequest()

	if r.Processing() {
		t.Error("expected Idle after abort")
	}
	if got := r.Thoughts(); len(got) != 0 {
		t.Errorf("buffer survived abort: %d", len(got))
	}
	if store.Len() != 0 {
		t.Error("abort must not append transcript entries")
	}
}

func TestReset(t *testing.T) {
	r, store := newTestReconciler()
	r.BeginRequest("msg_1")
	r.OnEvent(response("done", "msg_1"))

	r.Reset()

	if store.Len() != 0 {
		t.Error("Reset must clear the transcript")
	}
	if r.Finalized("msg_1") {
		t.Error("Reset must clear the finalized-id set")
	}

	// The same correlation id is accepted again after the boundary.
	r.BeginRequest("msg_1")
	r.OnEvent(response("done in new conversation", "msg_1"))
	if store.Len() != 1 {
		t.Errorf("expected 1 entry after reset and replay, got %d", store.Len())
	}
}

func TestThoughtBufferBounded(t *testing.T) {
	r, _ := newTestReconciler()
	r.BeginRequest("msg_1")

	for i := 0; i < MaxThoughts+10; i++ {
		r.OnEvent(intermediate(event.KindStatus, fmt.Sprintf("step %d", i), ""))
	}

	thoughts := r.Thoughts()
	if len(thoughts) != MaxThoughts {
		t.Fatalf("expected buffer capped at %d, got %d", MaxThoughts, len(thoughts))
	}
	if thoughts[0].Message != "step 10" {
		t.Errorf("expected oldest entries evicted, first is %q", thoughts[0].Message)
	}
}

func TestApplyIsPure(t *testing.T) {
	s := State{Phase: Accumulating, Current: "msg_1", Buffer: []event.AgentEvent{
		{Kind: event.KindThinking, Message: "a"},
	}}
	finalized := map[string]struct{}{}

	out := Apply(s, response("done", "msg_1"), finalized)

	if s.Phase != Accumulating || len(s.Buffer) != 1 {
		t.Error("Apply mutated its input state")
	}
	if len(finalized) != 0 {
		t.Error("Apply mutated the finalized set")
	}
	if out.Finalize != "msg_1" || out.Entry == nil {
		t.Errorf("unexpected outcome: %+v", out)
	}
}
