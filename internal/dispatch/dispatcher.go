// Package dispatch forwards user tasks to the agent backend and reports
// their fate back onto the relay channels.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/observability"
	"github.com/karyakarta/agentrelay/internal/relay"
)

const (
	preflightMessage = "Forwarding task to agent backend..."

	executeTaskPath = "/execute-task"
	cancelTaskPath  = "/cancel-task"

	// CancelAll asks the backend to abort every in-flight task.
	CancelAll = "all"

	// defaultSessionID stands in when the caller supplies no session.
	defaultSessionID = "default"

	defaultTimeout = 30 * time.Second
)

// TaskRequest is a single user prompt bound to its correlation ids. The
// field names are the backend's wire contract.
type TaskRequest struct {
	Prompt    string `json:"prompt"`
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
}

// Dispatcher forwards tasks to the agent backend over HTTP. Responses to
// a dispatched task arrive asynchronously through the relay, never on the
// dispatch request itself.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	hub     *relay.Hub
	logger  *slog.Logger
	trace   *observability.TraceManager
	metrics *observability.MetricsManager
}

func New(baseURL string, hub *relay.Hub, logger *slog.Logger, trace *observability.TraceManager, metrics *observability.MetricsManager) *Dispatcher {
	return &Dispatcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		hub:     hub,
		logger:  logger,
		trace:   trace,
		metrics: metrics,
	}
}

// Run publishes a pre-flight status carrying the correlation id, then
// posts the task to the backend. A transport failure or non-2xx response
// publishes a synthetic error event under the same correlation id so
// connected clients can finalize the request, and the error is returned
// to the HTTP caller as well.
func (d *Dispatcher) Run(ctx context.Context, req TaskRequest) error {
	ctx, span := d.trace.StartDispatchSpan(ctx, executeTaskPath, req.MessageID)
	defer span.End()
	timer := d.metrics.StartTimer()
	defer timer(ctx, executeTaskPath)

	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}

	d.logger.InfoContext(ctx, "Dispatching task",
		"message_id", req.MessageID,
		"session_id", req.SessionID)

	d.publishStatus(ctx, preflightMessage, req.MessageID)

	if _, err := d.post(ctx, executeTaskPath, req); err != nil {
		d.metrics.IncrementDispatchErrors(ctx, executeTaskPath, "backend_unreachable")
		d.trace.RecordError(span, err)
		d.publishError(ctx, fmt.Sprintf("Failed to reach agent backend: %v", err), req.MessageID)
		return fmt.Errorf("dispatch task %s: %w", req.MessageID, err)
	}

	d.trace.SetSpanSuccess(span)
	return nil
}

// CancelResult is the backend's verdict on a cancellation, relayed to the
// caller as-is.
type CancelResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Cancel asks the backend to abort the given task and relays its status
// and message back. Pass CancelAll to abort everything.
func (d *Dispatcher) Cancel(ctx context.Context, messageID string) (CancelResult, error) {
	ctx, span := d.trace.StartDispatchSpan(ctx, cancelTaskPath, messageID)
	defer span.End()

	d.logger.InfoContext(ctx, "Cancelling task", "message_id", messageID)

	body, err := d.post(ctx, cancelTaskPath, map[string]string{"messageId": messageID})
	if err != nil {
		d.metrics.IncrementDispatchErrors(ctx, cancelTaskPath, "backend_unreachable")
		d.trace.RecordError(span, err)
		return CancelResult{}, fmt.Errorf("cancel task %s: %w", messageID, err)
	}

	result := CancelResult{Status: "cancelled"}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			d.logger.WarnContext(ctx, "Undecodable cancel response", "error", err)
		}
	}

	d.trace.SetSpanSuccess(span)
	return result, nil
}

func (d *Dispatcher) post(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}
	return body, nil
}

func (d *Dispatcher) publishStatus(ctx context.Context, message, messageID string) {
	ev := event.AgentEvent{
		Kind:      event.KindStatus,
		Message:   message,
		Timestamp: time.Now().UTC(),
		MessageID: messageID,
	}
	if err := d.hub.Publish(ctx, event.ChannelAgentLog, ev); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish status event", "error", err)
	}
}

func (d *Dispatcher) publishError(ctx context.Context, message, messageID string) {
	ev := event.AgentEvent{
		Kind:      event.KindError,
		Message:   message,
		Timestamp: time.Now().UTC(),
		MessageID: messageID,
	}
	if err := d.hub.Publish(ctx, event.ChannelAgentLog, ev); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish error event", "error", err)
	}
}
