// ABOUTME: Error taxonomy for the bridge: detach, remote, transport, protocol and cancellation errors.
// ABOUTME: Typed errors support errors.Is/errors.As so callers can tell recoverable failures from terminal ones.

package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrDetached indicates the remote session has ended. Returned errors are *DetachError.
var ErrDetached = errors.New("session detached")

// ErrTransport indicates posting to the channel failed for a reason other than cancellation.
var ErrTransport = errors.New("transport error")

// ErrCancelled indicates the caller's context was cancelled while the request was in flight.
var ErrCancelled = errors.New("request cancelled")

// ErrTimeout indicates the request did not complete within the configured timeout.
var ErrTimeout = errors.New("request timed out")

// ErrProtocol indicates the agent sent a reply the bridge could not interpret.
var ErrProtocol = errors.New("protocol error")

// ErrRequestInFlight indicates Execute was called while another request was outstanding.
var ErrRequestInFlight = errors.New("request already in flight")

// ErrDuplicateReply is the panic value used when a reply arrives before the previous one was consumed.
var ErrDuplicateReply = errors.New("reply received while previous reply is unconsumed")

// ErrDuplicateCallback is the panic value used when a callback arrives before the previous one was drained.
var ErrDuplicateCallback = errors.New("callback received while previous callback is undrained")

// DetachError is returned for every request that fails because the session detached.
type DetachError struct {
	Reason DetachReason
	Crash  string
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("session detached: %s", e.Reason)
}

// Is reports whether target is ErrDetached.
func (e *DetachError) Is(target error) bool {
	return target == ErrDetached
}

// Clean reports whether the detach was requested by the controller itself.
func (e *DetachError) Clean() bool {
	return e.Reason == DetachApplicationRequested
}

// RemoteError carries the error field of a reply stanza. The connection stays usable.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ProtocolError describes a malformed reply delivered to the waiting caller.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// IsCancellation reports whether err stems from a cancelled operation rather than a failure.
// Cancellation is routine during teardown and should not be shown to users as an error.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// IsRecoverable reports whether the session is still usable after err.
func IsRecoverable(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) || errors.Is(err, ErrProtocol)
}
