// ABOUTME: End-to-end tests for Conn against the agent host double over in-memory pipes
// ABOUTME: Covers open/close, memory IO, command dispatch, callbacks, crashes and store recording

package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-probe/internal/agenthost"
	"github.com/2389/coven-probe/internal/bridge"
	"github.com/2389/coven-probe/internal/device"
	"github.com/2389/coven-probe/internal/events"
	"github.com/2389/coven-probe/internal/hostcmd"
	"github.com/2389/coven-probe/internal/store"
	"github.com/2389/coven-probe/internal/transport"
)

const testDevice = "pipe"

// hostDevice opens in-memory channels served by an agent host double.
type hostDevice struct {
	ctx  context.Context
	host *agenthost.Host
}

func (d *hostDevice) Open(context.Context) (transport.Stream, error) {
	controller, agent := transport.Pipe()
	go d.host.Serve(d.ctx, agent)
	return controller, nil
}

func (d *hostDevice) Close() error { return nil }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	host    *agenthost.Host
	mgr     *device.Manager
	console *lockedBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	host := agenthost.New(agenthost.Options{})
	dialer := device.DialerFunc(func(context.Context, string) (device.Device, error) {
		return &hostDevice{ctx: ctx, host: host}, nil
	})
	mgr := device.NewManager(dialer, testDevice, nil)
	t.Cleanup(func() { mgr.Close() })

	return &testEnv{host: host, mgr: mgr, console: &lockedBuffer{}}
}

func (e *testEnv) open(t *testing.T, opts Options) *Conn {
	t.Helper()
	if opts.PID == 0 && len(opts.Spawn) == 0 {
		opts.PID = 1
	}
	if opts.Console == nil {
		opts.Console = e.console
	}
	c, err := Open(context.Background(), e.mgr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_ReadWriteClose(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	assert.Equal(t, 1, env.mgr.Refs(testDevice))
	assert.Equal(t, int64(1), c.PID())
	assert.False(t, c.Suspended())
	require.Len(t, env.host.Payloads(), 1)
	assert.Equal(t, StubAgent(), env.host.Payloads()[0])

	_, err := c.Seek(0x1000, io.SeekStart)
	require.NoError(t, err)

	data, err := c.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, data)

	n, err := c.Write(ctx, []byte{0xde, 0xad})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err = c.ReadAt(ctx, 0x1000, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0x02}, data)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, env.mgr.Refs(testDevice))
	assert.NoError(t, c.Close(), "second close is a no-op")

	_, err = c.Read(ctx, 1)
	var detach *bridge.DetachError
	require.ErrorAs(t, err, &detach)
	assert.Equal(t, bridge.DetachApplicationRequested, detach.Reason)
}

func TestOpen_CustomAgentPayload(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte{0x02, 'b', 'c'}
	env.open(t, Options{Agent: payload})

	require.Len(t, env.host.Payloads(), 1)
	assert.Equal(t, payload, env.host.Payloads()[0])
	assert.True(t, IsBytecode(payload))
}

func TestOpen_UnknownProcessReleasesDevice(t *testing.T) {
	env := newTestEnv(t)

	_, err := Open(context.Background(), env.mgr, Options{PID: 31337})
	require.ErrorIs(t, err, transport.ErrRejected)
	assert.Equal(t, 0, env.mgr.Refs(testDevice))
}

func TestOpen_CancelledReleasesDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, env.mgr, Options{PID: 1})
	require.Error(t, err)
	assert.True(t, bridge.IsCancellation(err))
	assert.Equal(t, 0, env.mgr.Refs(testDevice))
}

func TestOpen_SafeIO(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{SafeIO: true})

	out, err := c.System(context.Background(), "?e still usable")
	require.NoError(t, err)
	assert.Equal(t, "still usable", out)
}

func TestSeek(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})

	off, err := c.Seek(0x100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100), off)

	off, err = c.Seek(0x10, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x110), off)

	off, err = c.Seek(-0x20, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xf0), off)

	off, err = c.Seek(5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), off)

	_, err = c.Seek(0, 42)
	assert.Error(t, err)
}

func TestSystem_Dispatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	dir := t.TempDir()
	jsFile := filepath.Join(dir, "hook.js")
	require.NoError(t, os.WriteFile(jsFile, []byte("hook()"), 0o644))
	cFile := filepath.Join(dir, "native.c")
	require.NoError(t, os.WriteFile(cFile, []byte("int main(){}"), 0o644))

	tests := []struct {
		command string
		want    string
	}{
		{"", ""},
		{"?e hi", "hi"},
		{"whatever", ""},
		{" 1+1", "1+1"},
		{"jvar a=1", "Java.perform(function(){var a=1;})"},
		{".", "console.log(r2frida.pluginList())"},
		{".-tracer", "r2frida.pluginUnregister('tracer')"},
		{". " + jsFile, "hook()"},
		{". " + cFile, "int main(){}"},
		{".?", dotUsage},
		{"?", helpText},
		{"help", helpText},
		{"dkr", "DetachReason: NONE\n"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, err := c.System(ctx, tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSystem_ScriptErrors(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	_, err := c.System(ctx, ". /nonexistent/file.js")
	assert.ErrorContains(t, err, "cannot slurp")

	_, err = c.System(ctx, "../nonexistent/file.js")
	assert.ErrorContains(t, err, "cannot load")
}

func TestSystem_Eternalize(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})

	path := filepath.Join(t.TempDir(), "keep.js")
	require.NoError(t, os.WriteFile(path, []byte("persist()"), 0o644))

	out, err := c.System(context.Background(), ".."+path)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{"persist()"}, env.host.Eternalized())
}

func TestSystem_CallbackRunsOnHost(t *testing.T) {
	env := newTestEnv(t)
	shell := hostcmd.New(hostcmd.Options{})
	c := env.open(t, Options{Executor: shell})
	shell.SetSeekProvider(c.Tell)
	ctx := context.Background()

	out, err := c.System(ctx, "callback ?e from host")
	require.NoError(t, err)
	assert.Equal(t, "from host\n", out)

	_, err = c.Seek(0x4000, io.SeekStart)
	require.NoError(t, err)
	out, err = c.System(ctx, "callback s")
	require.NoError(t, err)
	assert.Equal(t, "0x4000\n", out)
}

func TestSystem_HeartbeatAndLogs(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	out, err := c.System(ctx, "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	out, err = c.System(ctx, "log hello from agent")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, env.console.String(), "hello from agent")

	logFile := filepath.Join(t.TempDir(), "logs", "agent.log")
	_, err = c.System(ctx, "logfile "+logFile+" line one")
	require.NoError(t, err)
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(content))
}

func TestSystem_RemoteErrorKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	_, err := c.System(ctx, "fail no such symbol")
	var remote *bridge.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such symbol", remote.Message)

	out, err := c.System(ctx, "?e after")
	require.NoError(t, err)
	assert.Equal(t, "after", out)
}

func TestSystem_CrashDetaches(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{})
	ctx := context.Background()

	_, err := c.System(ctx, "crash SIGSEGV at 0x0")
	var detach *bridge.DetachError
	require.ErrorAs(t, err, &detach)
	assert.Equal(t, bridge.DetachProcessTerminated, detach.Reason)
	assert.Equal(t, "SIGSEGV at 0x0", detach.Crash)

	_, err = c.System(ctx, "?e gone")
	assert.ErrorIs(t, err, bridge.ErrDetached)

	out, err := c.System(ctx, "dkr")
	require.NoError(t, err)
	assert.Equal(t, "DetachReason: PROCESS_TERMINATED\nSIGSEGV at 0x0\n", out)

	require.NoError(t, c.Close())
	reason, _ := c.Session().DetachInfo()
	assert.Equal(t, bridge.DetachProcessTerminated, reason, "close keeps the first reason")
}

func TestSpawn_ResumeWithDC(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{Spawn: []string{"/usr/bin/target", "-v"}})
	ctx := context.Background()

	require.True(t, c.Suspended())
	p, ok := env.host.Process(c.PID())
	require.True(t, ok)
	assert.True(t, p.Suspended)

	out, err := c.System(ctx, "dc")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, c.Suspended())

	// The next request is ordered after the resume frame.
	_, err = c.System(ctx, "?e x")
	require.NoError(t, err)
	p, _ = env.host.Process(c.PID())
	assert.False(t, p.Suspended)

	// dc on a running process goes to the agent.
	out, err = c.System(ctx, "dc")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSpawn_RunResumesAtOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{Spawn: []string{"/usr/bin/target"}, Run: true})
	assert.False(t, c.Suspended())
}

func TestClose_ResumesSuspendedProcess(t *testing.T) {
	env := newTestEnv(t)
	c := env.open(t, Options{Spawn: []string{"/usr/bin/target"}})
	pid := c.PID()

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		p, _ := env.host.Process(pid)
		return !p.Suspended
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScriptsDirs_LoadedOnce(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte("plugin_a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("plugin_txt"), 0o644))

	c := env.open(t, Options{ScriptsDirs: []string{dir, filepath.Join(dir, "missing")}})
	ctx := context.Background()

	_, err := c.System(ctx, "?e one")
	require.NoError(t, err)
	_, err = c.System(ctx, "?e two")
	require.NoError(t, err)

	console := env.console.String()
	assert.Equal(t, 1, bytes.Count([]byte(console), []byte("plugin_a")))
	assert.NotContains(t, console, "plugin_txt")
}

func TestStore_RecordsSessionActivity(t *testing.T) {
	env := newTestEnv(t)
	st := store.NewMockStore()
	b := events.NewBroadcaster(nil)
	defer b.Close()

	c := env.open(t, Options{
		Store:    st,
		Events:   b,
		Executor: hostcmd.New(hostcmd.Options{}),
	})
	ctx := context.Background()

	_, err := c.System(ctx, "callback ?e recorded")
	require.NoError(t, err)
	_, err = c.System(ctx, "fail nope")
	require.Error(t, err)
	require.NoError(t, c.Close())

	sess, err := st.GetSession(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.PID)
	assert.Equal(t, testDevice, sess.Device)
	assert.Equal(t, "APPLICATION_REQUESTED", sess.DetachReason)
	assert.NotNil(t, sess.ClosedAt)

	cmds, err := st.ListCommands(ctx, c.ID(), 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "callback ?e recorded", cmds[0].Command)
	assert.Equal(t, "recorded\n", cmds[0].Output)
	assert.Equal(t, "fail nope", cmds[1].Command)
	assert.Contains(t, cmds[1].Error, "nope")

	cbs, err := st.ListCallbacks(ctx, c.ID(), 0)
	require.NoError(t, err)
	require.Len(t, cbs, 1)
	assert.Equal(t, int64(1), cbs[0].Serial)
	assert.Equal(t, "?e recorded", cbs[0].Command)
	assert.Equal(t, "recorded\n", cbs[0].Output)
}

func TestStore_CrashRecorded(t *testing.T) {
	env := newTestEnv(t)
	st := store.NewMockStore()
	b := events.NewBroadcaster(nil)
	defer b.Close()

	c := env.open(t, Options{Store: st, Events: b})
	_, err := c.System(context.Background(), "crash abort()")
	require.True(t, errors.Is(err, bridge.ErrDetached))
	require.NoError(t, c.Close())

	sess, err := st.GetSession(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, "PROCESS_TERMINATED", sess.DetachReason)
	assert.Equal(t, "abort()", sess.CrashReport)
}
