// ABOUTME: Session state shared between the transport event goroutine and blocked callers.
// ABOUTME: One mutex and one condition variable guard the reply slot, callback slot and detach fields together.

package bridge

import (
	"context"
	"fmt"
	"sync"
)

// pendingReply holds a reply that has arrived but not yet been consumed.
// err is set instead of stanza when the reply was malformed.
type pendingReply struct {
	stanza Stanza
	data   []byte
	err    error
}

// pendingCallback holds a callback invocation waiting to be drained.
// An empty callback is a heartbeat: it wakes the waiter without work.
type pendingCallback struct {
	command string
	serial  int64
	empty   bool
}

// state is the single lock-protected record behind a Session. Every method
// acquires the lock; no field is touched outside this file.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond

	detached bool
	reason   DetachReason
	crash    string

	suspended bool

	// inflight is true between begin and the end of await.
	inflight bool
	// orphans counts requests whose callers gave up before the reply arrived.
	orphans int

	reply    *pendingReply
	callback *pendingCallback
}

func newState() *state {
	st := &state{}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// replyOutcome says what setReply did with a reply.
type replyOutcome int

const (
	replyDelivered replyOutcome = iota
	// replyOrphaned: absorbed by a request whose caller gave up.
	replyOrphaned
	// replyUnexpected: no request is outstanding.
	replyUnexpected
)

// setReply stores a reply and wakes the waiter. A reply is first matched
// against abandoned requests; this assumes the agent answers every request
// it received, even after the caller stopped waiting.
func (st *state) setReply(r *pendingReply) replyOutcome {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.orphans > 0 {
		st.orphans--
		return replyOrphaned
	}
	if !st.inflight {
		return replyUnexpected
	}
	if st.reply != nil {
		panic(ErrDuplicateReply)
	}
	st.reply = r
	st.cond.Broadcast()
	return replyDelivered
}

// setCallback stores a callback invocation and wakes the waiter.
func (st *state) setCallback(cb *pendingCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.callback != nil {
		panic(fmt.Errorf("%w: serial %d", ErrDuplicateCallback, cb.serial))
	}
	st.callback = cb
	st.cond.Broadcast()
}

// markDetached records the terminal reason and crash report together. Only
// the first call has any effect; it reports whether this call was the one
// that detached. Abandoned requests will never be answered once detached.
func (st *state) markDetached(reason DetachReason, crash string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.detached {
		return false
	}
	st.detached = true
	st.reason = reason
	st.crash = crash
	st.orphans = 0
	st.cond.Broadcast()
	return true
}

func (st *state) setSuspended(v bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.suspended = v
}

func (st *state) isSuspended() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suspended
}

func (st *state) isDetached() (bool, DetachReason) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.detached, st.reason
}

func (st *state) detachInfo() (DetachReason, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason, st.crash
}

// wake rouses the waiter so it can re-check its context.
func (st *state) wake() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cond.Broadcast()
}

// begin claims the single in-flight slot. A detached session fails here,
// before anything is posted.
func (st *state) begin() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.detached {
		return &DetachError{Reason: st.reason, Crash: st.crash}
	}
	if st.inflight {
		return ErrRequestInFlight
	}
	st.inflight = true
	return nil
}

// abort releases the in-flight slot when the request was never posted.
func (st *state) abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inflight = false
}

// await blocks until a reply arrives, the session detaches or ctx is done.
// Callbacks are drained through run before every check, with the lock
// released while run executes.
func (st *state) await(ctx context.Context, run func(*pendingCallback)) (*pendingReply, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.drainLocked(run)
	for !st.detached && st.reply == nil && ctx.Err() == nil {
		st.cond.Wait()
		st.drainLocked(run)
	}
	st.inflight = false

	if r := st.reply; r != nil {
		st.reply = nil
		return r, nil
	}
	if st.detached {
		return nil, &DetachError{Reason: st.reason, Crash: st.crash}
	}
	st.orphans++
	return nil, ctx.Err()
}

// drainLocked runs every pending callback. Must be called with mu held;
// mu is released while run executes so the event goroutine can keep
// delivering messages.
func (st *state) drainLocked(run func(*pendingCallback)) {
	for st.callback != nil {
		cb := st.callback
		st.callback = nil
		st.mu.Unlock()
		run(cb)
		st.mu.Lock()
	}
}
