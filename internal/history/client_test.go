package history

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karyakarta/agentrelay/internal/transcript"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(srv.URL, logger), srv
}

func TestListSessions(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "u1" {
			t.Errorf("user_id = %q, want u1", got)
		}
		json.NewEncoder(w).Encode([]Session{
			{ID: "s2", UserID: "u1", Title: "newer"},
			{ID: "s1", UserID: "u1", Title: "older"},
		})
	}))
	defer srv.Close()

	sessions, err := c.ListSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}
}

func TestCreateSession(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(Session{ID: "s1", UserID: body["user_id"], Title: body["title"]})
	}))
	defer srv.Close()

	s, err := c.CreateSession(context.Background(), "u1", "first chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "s1" || s.Title != "first chat" {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestMessages_MapsToTranscriptEntries(t *testing.T) {
	when := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/s1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]message{
			{ID: "m1", Role: "user", Content: "hi", Timestamp: when},
			{ID: "m2", Role: "assistant", Content: "hello", Timestamp: when},
		})
	}))
	defer srv.Close()

	entries, err := c.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[1].Role != transcript.RoleAgent {
		t.Errorf("roles mismapped: %s, %s", entries[0].Role, entries[1].Role)
	}
	for _, e := range entries {
		if e.Status != transcript.StatusSent {
			t.Errorf("persisted entry %s has status %s, want sent", e.ID, e.Status)
		}
	}
}

func TestRenameAndDelete(t *testing.T) {
	var sawPatch, sawDelete bool
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			sawPatch = true
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["title"] != "renamed" {
				t.Errorf("title = %q", body["title"])
			}
		case http.MethodDelete:
			sawDelete = true
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := c.RenameSession(context.Background(), "s1", "renamed"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if err := c.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if !sawPatch || !sawDelete {
		t.Error("service did not see both requests")
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := c.Messages(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}
