// Package bridge turns the asynchronous agent channel into blocking calls.
//
// # Overview
//
// An instrumentation agent injected into a target process talks to the
// controller over a single bidirectional channel. Inbound messages arrive on
// the transport's event goroutine; callers want a plain request/response
// call. The Session in this package sits between the two:
//
//	sess := bridge.NewSession(channel, bridge.Options{Executor: shell, Logger: logger})
//	reply, err := sess.Execute(ctx, bridge.NewRequest("read").Set("offset", 0x1000).Set("count", 4), nil)
//
// # Message Classification
//
// HandleMessage is called by the transport for every inbound message, one at
// a time and in arrival order. Each message is routed to one of three kinds:
//
//   - reply: answers the outstanding request and wakes the caller
//   - cmd: the agent asks the controller to run a local command (callback)
//   - log / log-file: printed or appended to a file, never wakes anyone
//
// # Callbacks During a Request
//
// While a caller is blocked in Execute the agent may issue a callback. The
// wait loop drains it: the command runs through the Executor, the output is
// posted back with the callback's serial, and the wait resumes. A callback is
// always serviced before the reply it is nested in is returned.
//
// # Detach
//
// HandleDetach records the terminal reason and optional crash report. Every
// blocked caller is released with a *DetachError and later calls fail without
// posting anything.
//
// # Thread Safety
//
// All shared fields live in one state object guarded by a single mutex and a
// condition variable. Only one request may be in flight per Session; callers
// on several goroutines must serialize their calls.
package bridge
