// ABOUTME: Host command executor interface used to service agent callbacks.
// ABOUTME: Executor panics are contained here so the drain step always answers the agent.

package bridge

import (
	"context"
	"fmt"
)

// Executor runs a command against the local environment and returns its
// textual output. Failures must be reported as empty output.
type Executor interface {
	Execute(ctx context.Context, command string) string
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, command string) string

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, command string) string {
	return f(ctx, command)
}

// execute runs the executor and converts a panic into empty output.
func (s *Session) execute(ctx context.Context, command string) (output string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback executor panicked",
				"command", command,
				"panic", fmt.Sprint(r),
			)
			output = ""
		}
	}()

	s.logger.Debug("running callback", "command", command)
	return s.executor.Execute(ctx, command)
}
