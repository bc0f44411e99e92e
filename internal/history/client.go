// Package history talks to the external session persistence API. Sessions
// and their messages live in that service; this client only fetches and
// maps them, it never caches.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/karyakarta/agentrelay/internal/transcript"
)

const defaultTimeout = 15 * time.Second

// Session is one persisted conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// message is the persistence service's wire shape for one transcript line.
type message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Client is a plain HTTP JSON client for the session service.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// ListSessions returns the user's sessions, most recently updated first.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	path := "/sessions?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	return sessions, nil
}

// CreateSession registers a new conversation and returns it.
func (c *Client) CreateSession(ctx context.Context, userID, title string) (Session, error) {
	var created Session
	body := map[string]string{"user_id": userID, "title": title}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &created); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.InfoContext(ctx, "Created session", "session_id", created.ID, "user_id", userID)
	return created, nil
}

// Messages loads a session's persisted messages as transcript entries.
// Persisted messages are settled history, so every entry carries status
// sent.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	var msgs []message
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}

	entries := make([]transcript.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, transcript.Entry{
			ID:        m.ID,
			Role:      mapRole(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Status:    transcript.StatusSent,
		})
	}
	return entries, nil
}

// RenameSession updates a session's title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	body := map[string]string{"title": title}
	path := "/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("rename session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("session service returned %s", resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mapRole(role string) transcript.Role {
	switch role {
	case "user":
		return transcript.RoleUser
	default:
		// The service speaks "agent" but older rows say "assistant".
		return transcript.RoleAgent
	}
}
