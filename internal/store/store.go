// ABOUTME: Store interface and record types for coven-probe persistence
// ABOUTME: Sessions, the commands issued in them, and the callbacks the agent requested

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session with the same ID already exists
var ErrDuplicateSession = errors.New("session already exists")

// SessionRecord describes one connection to an agent.
type SessionRecord struct {
	ID       string
	Device   string
	PID      int64
	Spawned  bool
	OpenedAt time.Time
	// ClosedAt is nil while the session is open.
	ClosedAt     *time.Time
	DetachReason string
	CrashReport  string
}

// CommandRecord is a command issued by the controller.
type CommandRecord struct {
	ID        string
	SessionID string
	Command   string
	Output    string
	Error     string // empty on success
	CreatedAt time.Time
}

// CallbackRecord is a command the agent asked the controller to run.
type CallbackRecord struct {
	ID        string
	SessionID string
	Serial    int64
	Command   string
	Output    string
	CreatedAt time.Time
}

// Store defines persistence for probe sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *SessionRecord) error
	CloseSession(ctx context.Context, id string, closedAt time.Time) error
	RecordDetach(ctx context.Context, id, reason, crash string) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	LatestSession(ctx context.Context) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Commands, oldest first
	RecordCommand(ctx context.Context, cmd *CommandRecord) error
	ListCommands(ctx context.Context, sessionID string, limit int) ([]*CommandRecord, error)

	// Callbacks, oldest first
	RecordCallback(ctx context.Context, cb *CallbackRecord) error
	ListCallbacks(ctx context.Context, sessionID string, limit int) ([]*CallbackRecord, error)

	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
