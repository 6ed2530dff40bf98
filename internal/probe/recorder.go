// ABOUTME: Persists session activity: commands as they complete, callbacks and detaches from the event stream.
// ABOUTME: Store failures are logged and never fail the command that produced them.

package probe

import (
	"context"
	"time"

	"github.com/2389/coven-probe/internal/events"
	"github.com/2389/coven-probe/internal/store"
)

const recordTimeout = 5 * time.Second

// startRecorder subscribes to the session's events and writes callbacks and
// detaches to the store. The subscription outlives ctx and ends in Close.
func (c *Conn) startRecorder(ctx context.Context, b *events.Broadcaster) {
	if b == nil || c.store == nil {
		close(c.recorderDone)
		return
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, _ := b.Subscribe(subCtx, c.id)
	c.unsubscribe = cancel

	go func() {
		defer close(c.recorderDone)
		for ev := range ch {
			c.recordEvent(ev)
		}
	}()
}

func (c *Conn) recordEvent(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case events.KindCallback:
		err = c.store.RecordCallback(ctx, &store.CallbackRecord{
			SessionID: c.id,
			Serial:    ev.Serial,
			Command:   ev.Command,
			Output:    ev.Text,
			CreatedAt: ev.At,
		})
	case events.KindDetach:
		err = c.store.RecordDetach(ctx, c.id, ev.Reason, ev.Crash)
	default:
		return
	}
	if err != nil {
		c.logger.Warn("recording event", "kind", ev.Kind, "error", err)
	}
}

// recordCommand stores a command with its output or error.
func (c *Conn) recordCommand(command, output string, cmdErr error) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := &store.CommandRecord{
		SessionID: c.id,
		Command:   command,
		Output:    output,
	}
	if cmdErr != nil {
		rec.Error = cmdErr.Error()
	}
	if err := c.store.RecordCommand(ctx, rec); err != nil {
		c.logger.Warn("recording command", "command", command, "error", err)
	}
}
