// ABOUTME: Event types emitted by an agent session: console logs, log-file writes, callbacks and detach.
// ABOUTME: Events are informational copies; nothing in the bridge waits on them.

package events

import "time"

// Kind identifies what happened in a session.
type Kind string

const (
	KindLog      Kind = "log"
	KindLogFile  Kind = "log-file"
	KindCallback Kind = "callback"
	KindDetach   Kind = "detach"
)

// Event is one session occurrence. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	SessionID string
	At        time.Time

	// Text is the log line (log, log-file) or the callback output (callback).
	Text     string
	Filename string

	Serial  int64
	Command string

	Reason string
	Crash  string
}
