// Package client is the relay's counterpart to a connected UI: it dials
// the push socket, feeds frames into a reconciler, and submits tasks
// through the relay's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karyakarta/agentrelay/internal/dispatch"
	"github.com/karyakarta/agentrelay/internal/event"
	"github.com/karyakarta/agentrelay/internal/reconcile"
	"github.com/karyakarta/agentrelay/internal/transcript"
)

var (
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	ErrBusy        = errors.New("a request is already in flight")
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 30 * time.Second
	frameBuffer    = 64
)

// Session owns one live connection to the relay. Frames stream into the
// reconciler's loop; Submit and Stop go out over plain HTTP.
type Session struct {
	relayURL   string
	httpClient *http.Client
	store      *transcript.Store
	reconciler *reconcile.Reconciler
	logger     *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan event.Frame
	done   chan struct{}
}

func NewSession(relayURL string, logger *slog.Logger) *Session {
	store := transcript.NewStore()
	return &Session{
		relayURL:   strings.TrimRight(relayURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		store:      store,
		reconciler: reconcile.New(store, logger),
		logger:     logger,
	}
}

// Store exposes the session's transcript.
func (s *Session) Store() *transcript.Store { return s.store }

// Reconciler exposes live request state (thoughts, browser, processing).
func (s *Session) Reconciler() *reconcile.Reconciler { return s.reconciler }

// Connect dials the relay's socket endpoint and starts the read loop.
// The reconciler consumes frames until the connection drops or ctx is
// cancelled.
func (s *Session) Connect(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(s.relayURL, "http") + "/socket"

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay socket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.frames = make(chan event.Frame, frameBuffer)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Connected to relay", "url", wsURL)

	go func() {
		defer close(s.done)
		s.reconciler.Run(ctx, s.frames)
	}()
	go s.readLoop(ctx, conn)
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.frames)
	for {
		var f event.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WarnContext(ctx, "Socket read failed", "error", err)
			}
			return
		}
		select {
		case s.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Submit sends one prompt through the relay. It appends the user entry
// with status sending, flips it to sent or error once the relay answers,
// and primes the reconciler with the new correlation id. Empty prompts
// and overlapping submissions are refused.
func (s *Session) Submit(ctx context.Context, prompt, sessionID string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if s.reconciler.Processing() {
		return "", ErrBusy
	}

	userID := event.NewMessageID()
	agentID := event.NewMessageID()

	s.store.Append(transcript.Entry{
		ID:        userID,
		Role:      transcript.RoleUser,
		Content:   prompt,
		Timestamp: time.Now().UTC(),
		Status:    transcript.StatusSending,
	})
	s.reconciler.BeginRequest(agentID)

	body, err := json.Marshal(map[string]string{
		"prompt":    prompt,
		"messageId": agentID,
		"sessionId": sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("encode run request: %w", err)
	}

	if err := s.post(ctx, "/agent/run", body); err != nil {
		s.store.SetStatus(userID, transcript.StatusError)
		s.reconciler.AbortRequest()
		return "", fmt.Errorf("submit task: %w", err)
	}

	s.store.SetStatus(userID, transcript.StatusSent)
	return agentID, nil
}

// Stop asks the relay to cancel everything in flight and releases the
// local request slot.
func (s *Session) Stop(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"messageId": dispatch.CancelAll})
	if err != nil {
		return fmt.Errorf("encode cancel request: %w", err)
	}
	if err := s.post(ctx, "/agent/cancel", body); err != nil {
		return fmt.Errorf("stop tasks: %w", err)
	}
	s.reconciler.AbortRequest()
	return nil
}

func (s *Session) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	return nil
}

// Close tears down the socket and waits briefly for the reconciler loop
// to drain.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return err
}
