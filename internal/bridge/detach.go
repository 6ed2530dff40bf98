// ABOUTME: Detach reasons and crash tracking for a remote session.
// ABOUTME: HandleDetach records the terminal reason once and releases every waiter.

package bridge

import (
	"strings"

	"github.com/2389/coven-probe/internal/events"
)

// DetachReason says why the remote session ended.
type DetachReason int

const (
	DetachNone DetachReason = iota
	DetachApplicationRequested
	DetachProcessTerminated
	DetachServerTerminated
	DetachDeviceLost
	DetachProcessReplaced
)

var detachReasonNames = map[DetachReason]string{
	DetachNone:                 "NONE",
	DetachApplicationRequested: "APPLICATION_REQUESTED",
	DetachProcessTerminated:    "PROCESS_TERMINATED",
	DetachServerTerminated:     "SERVER_TERMINATED",
	DetachDeviceLost:           "DEVICE_LOST",
	DetachProcessReplaced:      "PROCESS_REPLACED",
}

func (r DetachReason) String() string {
	if name, ok := detachReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseDetachReason converts a reason name back into a DetachReason.
// Unknown names map to DetachNone.
func ParseDetachReason(name string) DetachReason {
	name = strings.ToUpper(strings.TrimSpace(name))
	for reason, n := range detachReasonNames {
		if n == name {
			return reason
		}
	}
	return DetachNone
}

// describe returns the user-facing warning for a reason, or "" for a clean close.
func (r DetachReason) describe() string {
	switch r {
	case DetachProcessTerminated:
		return "target process terminated"
	case DetachServerTerminated:
		return "server terminated"
	case DetachDeviceLost:
		return "device lost"
	case DetachProcessReplaced:
		return "process replaced"
	default:
		return ""
	}
}

// HandleDetach is called by the transport when the remote session ends.
// The first call records the reason and crash report; later calls change
// neither, even when the first carried no report.
func (s *Session) HandleDetach(reason DetachReason, crash string) {
	if !s.st.markDetached(reason, crash) {
		s.logger.Debug("ignoring repeated detach", "reason", reason)
		return
	}

	if crash != "" {
		s.logger.Warn("crash report received", "report", crash)
	}

	if msg := reason.describe(); msg != "" {
		s.logger.Warn(msg, "reason", reason)
	} else {
		s.logger.Info("session detached", "reason", reason)
	}

	s.publish(events.Event{
		Kind:   events.KindDetach,
		Reason: reason.String(),
		Crash:  crash,
	})
}

// Detached reports whether the remote session has ended.
func (s *Session) Detached() bool {
	detached, _ := s.st.isDetached()
	return detached
}

// DetachInfo returns the recorded reason and crash report (empty if none).
func (s *Session) DetachInfo() (DetachReason, string) {
	return s.st.detachInfo()
}
