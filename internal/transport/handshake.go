// ABOUTME: Channel handshake: attach to (or spawn) a process, then load the agent payload
// ABOUTME: Runs before the pump starts, so frames are read directly from the stream

package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected indicates the agent host answered a handshake step with an error frame.
var ErrRejected = errors.New("agent host rejected request")

// AttachRequest selects the target process and the agent payload.
type AttachRequest struct {
	// PID of the process to attach to. Ignored when Argv is set.
	PID int64
	// Argv spawns a new process instead of attaching.
	Argv []string
	// Script is the agent payload loaded into the process.
	Script []byte
}

// Attached describes the session established by the handshake.
type Attached struct {
	PID       int64
	Suspended bool
}

// Handshake attaches and loads the agent. Cancelling ctx closes the stream.
func Handshake(ctx context.Context, stream Stream, req AttachRequest) (Attached, error) {
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	attached, err := handshake(stream, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Attached{}, ctxErr
	}
	return attached, err
}

func handshake(stream Stream, req AttachRequest) (Attached, error) {
	attach := &Frame{Kind: KindAttach, PID: req.PID, Argv: req.Argv}
	if len(req.Argv) > 0 {
		attach.PID = 0
	}

	reply, err := exchange(stream, attach, KindAttached)
	if err != nil {
		return Attached{}, fmt.Errorf("attaching: %w", err)
	}
	result := Attached{PID: reply.PID, Suspended: reply.Suspended}

	load := &Frame{Kind: KindLoad, Data: req.Script, HasData: true}
	if _, err := exchange(stream, load, KindLoaded); err != nil {
		return result, fmt.Errorf("loading agent: %w", err)
	}
	return result, nil
}

// exchange sends f and waits for a frame of kind want.
func exchange(stream Stream, f *Frame, want string) (*Frame, error) {
	if err := stream.Send(f); err != nil {
		return nil, fmt.Errorf("sending %s: %w", f.Kind, err)
	}
	reply, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", want, err)
	}
	switch reply.Kind {
	case want:
		return reply, nil
	case KindError:
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	default:
		return nil, fmt.Errorf("expected %s frame, got %q", want, reply.Kind)
	}
}
