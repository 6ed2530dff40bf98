// ABOUTME: Session and the request/reply engine: post a stanza, then block until reply or detach.
// ABOUTME: Callback invocations that arrive during the wait are executed locally and answered in the drain step.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-probe/internal/events"
)

// Channel is the outbound half of the agent transport.
type Channel interface {
	// Post sends a control stanza with an optional binary payload.
	Post(ctx context.Context, message []byte, data []byte) error
}

// Publisher receives session events (agent logs, callbacks, detach).
type Publisher interface {
	Publish(sessionID string, event events.Event)
}

// Options configures a Session.
type Options struct {
	// ID identifies the session in logs and events. A UUID is generated if empty.
	ID string
	// Executor runs callback commands. Callbacks get empty output if nil.
	Executor Executor
	Logger   *slog.Logger
	// Console receives agent log output. Defaults to os.Stderr.
	Console io.Writer
	// Events is optional.
	Events Publisher
	// Timeout bounds each Execute call. Zero waits until reply or detach.
	Timeout   time.Duration
	Suspended bool
}

// Session bridges one agent channel. Exactly one exists per open connection.
type Session struct {
	id       string
	channel  Channel
	executor Executor
	logger   *slog.Logger
	events   Publisher
	timeout  time.Duration

	consoleMu sync.Mutex
	console   io.Writer

	st *state
}

// NewSession creates a Session that posts through channel. The transport must
// deliver inbound traffic to HandleMessage and HandleDetach.
func NewSession(channel Channel, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Executor == nil {
		opts.Executor = ExecutorFunc(func(context.Context, string) string { return "" })
	}

	s := &Session{
		id:       opts.ID,
		channel:  channel,
		executor: opts.Executor,
		logger:   opts.Logger.With("session_id", opts.ID),
		events:   opts.Events,
		timeout:  opts.Timeout,
		console:  opts.Console,
		st:       newState(),
	}
	s.st.setSuspended(opts.Suspended)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Suspended reports whether the target process is waiting to be resumed.
func (s *Session) Suspended() bool {
	return s.st.isSuspended()
}

// SetSuspended records the suspended state of the target process.
func (s *Session) SetSuspended(v bool) {
	s.st.setSuspended(v)
}

// Execute posts req with an optional binary payload and blocks until the agent
// replies, the session detaches or ctx is done.
//
// A reply carrying an error field yields a *RemoteError and the session stays
// usable. A detach yields a *DetachError; once detached, Execute fails
// immediately without posting.
func (s *Session) Execute(ctx context.Context, req *Request, data []byte) (*Reply, error) {
	if err := s.st.begin(); err != nil {
		return nil, err
	}

	message, err := req.Marshal()
	if err != nil {
		s.st.abort()
		return nil, fmt.Errorf("encoding %s request: %w", req.Type, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.timeout, errRequestTimeout)
		defer cancel()
	}

	if err := s.channel.Post(ctx, message, data); err != nil {
		s.st.abort()
		return nil, s.postError(req.Type, err)
	}

	stop := context.AfterFunc(ctx, s.st.wake)
	defer stop()

	pending, err := s.st.await(ctx, func(cb *pendingCallback) {
		s.runCallback(ctx, cb)
	})
	if err != nil {
		return nil, s.waitError(ctx, req.Type, err)
	}

	if pending.err != nil {
		return nil, pending.err
	}
	if msg, ok := pending.stanza["error"]; ok {
		text, isString := msg.(string)
		if !isString {
			text = fmt.Sprint(msg)
		}
		s.logger.Debug("agent returned error", "type", req.Type, "error", text)
		return nil, &RemoteError{Message: text}
	}

	return &Reply{Stanza: pending.stanza, Data: pending.data}, nil
}

// postError classifies a failed post.
func (s *Session) postError(typ string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: posting %s: %w", ErrTimeout, typ, err)
	case IsCancellation(err):
		s.logger.Debug("post cancelled", "type", typ)
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		s.logger.Error("posting request", "type", typ, "error", err)
		return fmt.Errorf("%w: posting %s: %w", ErrTransport, typ, err)
	}
}

// errRequestTimeout is the cause attached to the per-request timeout, so it
// can be told apart from a deadline on the caller's context.
var errRequestTimeout = errors.New("request timeout")

// waitError classifies a wait that ended without a reply.
func (s *Session) waitError(ctx context.Context, typ string, err error) error {
	var detach *DetachError
	switch {
	case errors.As(err, &detach):
		return detach
	case errors.Is(err, context.DeadlineExceeded):
		if errors.Is(context.Cause(ctx), errRequestTimeout) {
			s.logger.Warn("request timed out", "type", typ, "timeout", s.timeout)
		} else {
			s.logger.Warn("request deadline exceeded", "type", typ)
		}
		return fmt.Errorf("%w: %s", ErrTimeout, typ)
	default:
		s.logger.Debug("request cancelled", "type", typ)
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
}

// runCallback is the drain step: execute the command locally and post the
// output with the callback's serial. The post happens even when the caller
// has given up because the agent is waiting on it.
func (s *Session) runCallback(ctx context.Context, cb *pendingCallback) {
	if cb.empty {
		s.logger.Debug("heartbeat callback")
		return
	}

	ctx = context.WithoutCancel(ctx)
	output := s.execute(ctx, cb.command)

	message, err := NewRequest("cmd").
		Set("output", output).
		Set("serial", cb.serial).
		Marshal()
	if err != nil {
		s.logger.Error("encoding callback result", "serial", cb.serial, "error", err)
		return
	}

	if err := s.channel.Post(ctx, message, nil); err != nil {
		if IsCancellation(err) {
			s.logger.Debug("callback result cancelled", "serial", cb.serial)
		} else {
			s.logger.Error("posting callback result", "serial", cb.serial, "error", err)
		}
		return
	}

	s.publish(events.Event{
		Kind:    events.KindCallback,
		Serial:  cb.serial,
		Command: cb.command,
		Text:    output,
	})
}

// publish forwards an event if a publisher is configured.
func (s *Session) publish(ev events.Event) {
	if s.events == nil {
		return
	}
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.Publish(s.id, ev)
}
