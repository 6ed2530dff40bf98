// ABOUTME: Channel wraps a Stream for the controller: serialized outbound posts and the inbound event pump
// ABOUTME: The pump is the single event goroutine; it delivers messages in order and exactly one detach

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-probe/internal/bridge"
)

// Handler receives inbound traffic from the pump.
type Handler interface {
	HandleMessage(message, data []byte)
	HandleDetach(reason bridge.DetachReason, crash string)
}

// Channel is the controller's end of an agent channel.
type Channel struct {
	stream Stream
	logger *slog.Logger

	sendMu sync.Mutex
	closed atomic.Bool
}

// NewChannel wraps stream. Pass nil logger for default.
func NewChannel(stream Stream, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		stream: stream,
		logger: logger.With("component", "channel"),
	}
}

// Post sends a control stanza with an optional binary payload. A done
// context yields its error without sending.
func (c *Channel) Post(ctx context.Context, message []byte, data []byte) error {
	return c.Send(ctx, MessageFrame(message, data))
}

// Send writes a frame. Sends are serialized; gRPC streams do not allow
// concurrent Send calls.
func (c *Channel) Send(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(f)
}

// Close closes the stream. The pump then reports an application-requested detach.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.stream.Close()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Pump reads frames until the stream ends, delivering message frames to h in
// arrival order. It delivers exactly one detach before returning: the one
// carried by a detached frame, or one derived from how the stream ended.
func (c *Channel) Pump(h Handler) {
	for {
		f, err := c.stream.Recv()
		if err != nil {
			reason := c.endReason(err)
			c.logger.Debug("stream ended", "reason", reason, "error", err)
			h.HandleDetach(reason, "")
			return
		}

		switch f.Kind {
		case KindMessage:
			h.HandleMessage(f.Message, f.Payload())

		case KindDetached:
			reason := bridge.ParseDetachReason(f.Reason)
			if reason == bridge.DetachNone {
				reason = bridge.DetachServerTerminated
			}
			h.HandleDetach(reason, f.Crash)
			return

		case KindError:
			c.logger.Error("agent host error", "error", f.Error)

		default:
			c.logger.Warn("unexpected frame", "kind", f.Kind)
		}
	}
}

// endReason maps a stream termination error to a detach reason.
func (c *Channel) endReason(err error) bridge.DetachReason {
	if c.closed.Load() || errors.Is(err, ErrClosed) {
		return bridge.DetachApplicationRequested
	}
	if errors.Is(err, io.EOF) {
		return bridge.DetachServerTerminated
	}
	if status.Code(err) == codes.Unavailable {
		return bridge.DetachDeviceLost
	}
	return bridge.DetachServerTerminated
}
