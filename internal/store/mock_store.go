// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionRecord    // keyed by session ID
	order     []string                     // session IDs in creation order
	commands  map[string][]*CommandRecord  // keyed by session ID
	callbacks map[string][]*CallbackRecord // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:  make(map[string]*SessionRecord),
		commands:  make(map[string][]*CommandRecord),
		callbacks: make(map[string][]*CallbackRecord),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}

	// Make a copy to avoid external modification
	rec := *session
	m.sessions[rec.ID] = &rec
	m.order = append(m.order, rec.ID)
	return nil
}

// CloseSession records the close time.
func (m *MockStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	t := closedAt
	rec.ClosedAt = &t
	return nil
}

// RecordDetach keeps the first reason and the first non-empty crash report.
func (m *MockStore) RecordDetach(ctx context.Context, id, reason, crash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.DetachReason == "" {
		rec.DetachReason = reason
	}
	if rec.CrashReport == "" {
		rec.CrashReport = crash
	}
	return nil
}

func copySession(rec *SessionRecord) *SessionRecord {
	out := *rec
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(rec), nil
}

// sortedSessions returns sessions most recently opened first; ties keep
// reverse creation order.
func (m *MockStore) sortedSessions() []*SessionRecord {
	out := make([]*SessionRecord, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.sessions[m.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out
}

// LatestSession returns the most recently opened session.
func (m *MockStore) LatestSession(ctx context.Context) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := m.sortedSessions()
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return copySession(sessions[0]), nil
}

// ListSessions returns sessions, most recently opened first.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := m.sortedSessions()
	if limit = clampLimit(limit); len(sessions) > limit {
		sessions = sessions[:limit]
	}
	out := make([]*SessionRecord, len(sessions))
	for i, rec := range sessions {
		out[i] = copySession(rec)
	}
	return out, nil
}

// RecordCommand stores a command.
func (m *MockStore) RecordCommand(ctx context.Context, cmd *CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cmd.SessionID]; !ok {
		return ErrNotFound
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	c := *cmd
	m.commands[c.SessionID] = append(m.commands[c.SessionID], &c)
	return nil
}

// ListCommands returns the most recent commands of a session, oldest first.
func (m *MockStore) ListCommands(ctx context.Context, sessionID string, limit int) ([]*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := append([]*CommandRecord(nil), m.commands[sessionID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit = clampLimit(limit); len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*CommandRecord, len(all))
	for i, c := range all {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

// RecordCallback stores a callback.
func (m *MockStore) RecordCallback(ctx context.Context, cb *CallbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cb.SessionID]; !ok {
		return ErrNotFound
	}
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = time.Now()
	}
	c := *cb
	m.callbacks[c.SessionID] = append(m.callbacks[c.SessionID], &c)
	return nil
}

// ListCallbacks returns the most recent callbacks of a session, oldest first.
func (m *MockStore) ListCallbacks(ctx context.Context, sessionID string, limit int) ([]*CallbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := append([]*CallbackRecord(nil), m.callbacks[sessionID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if limit = clampLimit(limit); len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*CallbackRecord, len(all))
	for i, c := range all {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
