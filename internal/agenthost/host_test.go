// ABOUTME: Tests for the agent host double at the frame level over an in-memory pipe
// ABOUTME: Covers the handshake, memory requests, perform commands, callbacks and detach

package agenthost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-probe/internal/transport"
)

type packet struct {
	Type    string `json:"type"`
	Payload struct {
		Name   string         `json:"name"`
		Stanza map[string]any `json:"stanza"`
	} `json:"payload"`
}

func startHost(t *testing.T, opts Options) (*Host, transport.Stream, <-chan error) {
	t.Helper()
	h := New(opts)
	controller, agent := transport.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, agent) }()

	t.Cleanup(func() {
		cancel()
		controller.Close()
	})
	return h, controller, done
}

func recvFrame(t *testing.T, s transport.Stream) *transport.Frame {
	t.Helper()
	type result struct {
		f   *transport.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.Recv()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func recvPacket(t *testing.T, s transport.Stream) (packet, []byte) {
	t.Helper()
	f := recvFrame(t, s)
	require.Equal(t, transport.KindMessage, f.Kind)
	var p packet
	require.NoError(t, json.Unmarshal(f.Message, &p))
	assert.Equal(t, "send", p.Type)
	return p, f.Payload()
}

func attachAndLoad(t *testing.T, s transport.Stream, attach *transport.Frame) *transport.Frame {
	t.Helper()
	require.NoError(t, s.Send(attach))
	attached := recvFrame(t, s)
	require.Equal(t, transport.KindAttached, attached.Kind)

	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindLoad, Data: []byte("agent"), HasData: true}))
	require.Equal(t, transport.KindLoaded, recvFrame(t, s).Kind)
	return attached
}

func send(t *testing.T, s transport.Stream, message string, data []byte) {
	t.Helper()
	require.NoError(t, s.Send(transport.MessageFrame([]byte(message), data)))
}

func TestHandshake_AttachKnownProcess(t *testing.T) {
	h, s, _ := startHost(t, Options{Processes: map[int64]string{42: "target"}})

	attached := attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 42})
	assert.Equal(t, int64(42), attached.PID)
	assert.False(t, attached.Suspended)
	assert.Equal(t, [][]byte{[]byte("agent")}, h.Payloads())
}

func TestHandshake_UnknownProcessRejected(t *testing.T) {
	_, s, _ := startHost(t, Options{})

	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindAttach, PID: 999}))
	f := recvFrame(t, s)
	assert.Equal(t, transport.KindError, f.Kind)
	assert.Contains(t, f.Error, "999")
}

func TestHandshake_SpawnStartsSuspended(t *testing.T) {
	h, s, _ := startHost(t, Options{})

	attached := attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, Argv: []string{"/bin/true"}})
	assert.True(t, attached.Suspended)
	assert.GreaterOrEqual(t, attached.PID, int64(firstSpawnPID))

	p, ok := h.Process(attached.PID)
	require.True(t, ok)
	assert.True(t, p.Spawned)
	assert.Equal(t, "/bin/true", p.Name)

	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindResume}))
	// A request round trip orders the resume before the check.
	send(t, s, `{"type":"state","payload":{}}`, nil)
	recvPacket(t, s)

	p, _ = h.Process(attached.PID)
	assert.False(t, p.Suspended)
}

func TestHandshake_EmptyPayloadRejected(t *testing.T) {
	_, s, _ := startHost(t, Options{})

	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindAttach, PID: 1}))
	recvFrame(t, s)
	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindLoad}))
	f := recvFrame(t, s)
	assert.Equal(t, transport.KindError, f.Kind)
}

func TestRequest_BeforeLoadRejected(t *testing.T) {
	_, s, _ := startHost(t, Options{})

	send(t, s, `{"type":"read","payload":{"offset":0,"count":4}}`, nil)
	f := recvFrame(t, s)
	assert.Equal(t, transport.KindError, f.Kind)
}

func TestRequest_ReadWrite(t *testing.T) {
	h, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"read","payload":{"offset":4096,"count":4}}`, nil)
	p, data := recvPacket(t, s)
	assert.Equal(t, "reply", p.Payload.Name)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, data)

	send(t, s, `{"type":"write","payload":{"offset":4097}}`, []byte{0xaa, 0xbb})
	p, _ = recvPacket(t, s)
	assert.NotContains(t, p.Payload.Stanza, "error")

	send(t, s, `{"type":"read","payload":{"offset":4096,"count":4}}`, nil)
	_, data = recvPacket(t, s)
	assert.Equal(t, []byte{0x00, 0xaa, 0xbb, 0x03}, data)
	assert.Equal(t, []byte{0xaa}, h.Memory().Read(4097, 1))
}

func TestRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		message string
		data    []byte
	}{
		{"zero count", `{"type":"read","payload":{"offset":0,"count":0}}`, nil},
		{"missing offset", `{"type":"read","payload":{"count":1}}`, nil},
		{"write without data", `{"type":"write","payload":{"offset":0}}`, nil},
		{"unknown type", `{"type":"bogus","payload":{}}`, nil},
		{"evaluate without code", `{"type":"evaluate","payload":{}}`, nil},
		{"malformed", `{nope`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, s, _ := startHost(t, Options{})
			attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

			send(t, s, tt.message, tt.data)
			p, _ := recvPacket(t, s)
			assert.Equal(t, "reply", p.Payload.Name)
			assert.Contains(t, p.Payload.Stanza, "error")
		})
	}
}

func TestRequest_StateOffsetAsHexString(t *testing.T) {
	_, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"state","payload":{"offset":"0x1000","suspended":false}}`, nil)
	p, _ := recvPacket(t, s)
	assert.Equal(t, "reply", p.Payload.Name)
	assert.NotContains(t, p.Payload.Stanza, "error")
}

func TestEvaluate_EchoesAndEternalizes(t *testing.T) {
	h, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"evaluate","payload":{"code":"1+1"}}`, nil)
	p, _ := recvPacket(t, s)
	assert.Equal(t, "1+1", p.Payload.Stanza["value"])

	send(t, s, `{"type":"evaluate","payload":{"code":"hook()","eternal":true}}`, nil)
	recvPacket(t, s)
	assert.Equal(t, []string{"hook()"}, h.Eternalized())
}

func TestPerform_Commands(t *testing.T) {
	_, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"perform","payload":{"command":"?e hello"}}`, nil)
	p, _ := recvPacket(t, s)
	assert.Equal(t, "hello", p.Payload.Stanza["value"])

	send(t, s, `{"type":"perform","payload":{"command":"fail nope"}}`, nil)
	p, _ = recvPacket(t, s)
	assert.Equal(t, "nope", p.Payload.Stanza["error"])

	send(t, s, `{"type":"perform","payload":{"command":"whatever"}}`, nil)
	p, _ = recvPacket(t, s)
	assert.Equal(t, "undefined", p.Payload.Stanza["value"])

	send(t, s, `{"type":"perform","payload":{"command":"log hi there"}}`, nil)
	p, _ = recvPacket(t, s)
	assert.Equal(t, "log", p.Payload.Name)
	assert.Equal(t, "hi there", p.Payload.Stanza["message"])
	p, _ = recvPacket(t, s)
	assert.Equal(t, "reply", p.Payload.Name)

	send(t, s, `{"type":"perform","payload":{"command":"logfile /tmp/x.log line"}}`, nil)
	p, _ = recvPacket(t, s)
	assert.Equal(t, "log-file", p.Payload.Name)
	assert.Equal(t, "/tmp/x.log", p.Payload.Stanza["filename"])
	assert.Equal(t, "line", p.Payload.Stanza["message"])
	recvPacket(t, s)
}

func TestPerform_HeartbeatOmitsStanza(t *testing.T) {
	_, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"perform","payload":{"command":"heartbeat"}}`, nil)
	f := recvFrame(t, s)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(f.Message, &raw))
	assert.Equal(t, "cmd", raw["payload"]["name"])
	assert.NotContains(t, raw["payload"], "stanza")

	p, _ := recvPacket(t, s)
	assert.Equal(t, "ok", p.Payload.Stanza["value"])
}

func TestPerform_CallbackWaitsForResult(t *testing.T) {
	_, s, _ := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"perform","payload":{"command":"callback ?e hi"}}`, nil)
	p, _ := recvPacket(t, s)
	require.Equal(t, "cmd", p.Payload.Name)
	assert.Equal(t, "?e hi", p.Payload.Stanza["cmd"])
	assert.EqualValues(t, 1, p.Payload.Stanza["serial"])

	// A result for another serial is ignored.
	send(t, s, `{"type":"cmd","payload":{"output":"wrong","serial":9}}`, nil)
	send(t, s, `{"type":"cmd","payload":{"output":"hi\n","serial":1}}`, nil)

	p, _ = recvPacket(t, s)
	assert.Equal(t, "reply", p.Payload.Name)
	assert.Equal(t, "hi\n", p.Payload.Stanza["value"])

	// Serials increase per callback.
	send(t, s, `{"type":"perform","payload":{"command":"callback again"}}`, nil)
	p, _ = recvPacket(t, s)
	assert.EqualValues(t, 2, p.Payload.Stanza["serial"])
}

func TestPerform_CrashDetaches(t *testing.T) {
	_, s, done := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	send(t, s, `{"type":"perform","payload":{"command":"crash SIGSEGV at 0x0"}}`, nil)
	f := recvFrame(t, s)
	assert.Equal(t, transport.KindDetached, f.Kind)
	assert.Equal(t, "PROCESS_TERMINATED", f.Reason)
	assert.Equal(t, "SIGSEGV at 0x0", f.Crash)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestDetach_ApplicationRequested(t *testing.T) {
	_, s, done := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	require.NoError(t, s.Send(&transport.Frame{Kind: transport.KindDetach}))
	f := recvFrame(t, s)
	assert.Equal(t, transport.KindDetached, f.Kind)
	assert.Equal(t, "APPLICATION_REQUESTED", f.Reason)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestServe_ControllerCloseEndsServe(t *testing.T) {
	_, s, done := startHost(t, Options{})
	attachAndLoad(t, s, &transport.Frame{Kind: transport.KindAttach, PID: 1})

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestMemory_DefaultPatternWraps(t *testing.T) {
	m := newMemory()
	assert.Equal(t, []byte{0xfe, 0xff, 0x00}, m.Read(^uint64(0)-1, 3))
}

func TestProcesses_Sorted(t *testing.T) {
	h := New(Options{Processes: map[int64]string{7: "b", 3: "a"}})
	procs := h.Processes()
	require.Len(t, procs, 2)
	assert.Equal(t, int64(3), procs[0].PID)
	assert.Equal(t, int64(7), procs[1].PID)
}
