// Package transcript holds the per-client chat transcript: an ordered,
// append-only sequence of finalized entries. This is in-memory state scoped
// to one client session; durable persistence belongs to the external session
// store reached through internal/history.
package transcript

import (
	"sync"
	"time"

	"github.com/karyakarta/agentrelay/internal/event"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Status tracks the HTTP dispatch lifecycle of a user entry. It is
// independent of the agent's eventual reply.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// MaxEntries bounds the transcript; when full, the oldest entry is evicted.
// The browser original kept the list unbounded, which is unacceptable for a
// long-lived process.
const MaxEntries = 1000

// Entry is one finalized transcript item. Entries are immutable once
// appended; the single permitted mutation is replacing a user entry's
// dispatch status via SetStatus.
type Entry struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
	Thoughts  []event.AgentEvent `json:"thoughts,omitempty"`
	Status    Status             `json:"status,omitempty"`
}

// Store is an append-only ordered list of entries, safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{}
}

// Append adds an entry at the end of the transcript, evicting the oldest
// entry if the store is at capacity.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= MaxEntries {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, e)
}

// SetStatus replaces the status of the user entry with the given id. This is
// the one permitted in-place update; entries of other roles are never
// touched. It reports whether an entry was updated.
func (s *Store) SetStatus(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID == id && s.entries[i].Role == RoleUser {
			s.entries[i].Status = status
			return true
		}
	}
	return false
}

// All returns a copy of the transcript in append order.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Last returns the most recent entry, if any.
func (s *Store) Last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear resets the transcript to empty. Called at conversation boundaries
// (new chat, session switch) together with the reconciler's Reset.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Replace swaps the whole transcript for entries loaded from the external
// session store, trimming to capacity from the front.
func (s *Store) Replace(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	s.entries = make([]Entry, len(entries))
	copy(s.entries, entries)
}
