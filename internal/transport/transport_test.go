// ABOUTME: Tests for frame encoding, the in-memory pipe, the channel pump and the handshake
// ABOUTME: gRPC and WebSocket streams are exercised end to end over bufconn and httptest

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/2389/coven-probe/internal/bridge"
)

func TestFrame_EncodeDecode(t *testing.T) {
	in := &Frame{
		Kind:      KindAttach,
		PID:       4242,
		Argv:      []string{"/bin/ls", "-l"},
		Message:   []byte(`{"type":"read"}`),
		Data:      []byte{0, 1, 2},
		HasData:   true,
		Reason:    "PROCESS_TERMINATED",
		Crash:     "boom",
		Error:     "nope",
		Suspended: true,
	}

	out := &Frame{}
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestFrame_PayloadPresence(t *testing.T) {
	none := &Frame{}
	require.NoError(t, none.Unmarshal(MessageFrame([]byte("{}"), nil).Marshal()))
	assert.Nil(t, none.Payload())

	empty := &Frame{}
	require.NoError(t, empty.Unmarshal(MessageFrame([]byte("{}"), []byte{}).Marshal()))
	assert.NotNil(t, empty.Payload())
	assert.Empty(t, empty.Payload())
}

func TestFrame_SkipsUnknownFields(t *testing.T) {
	b := (&Frame{Kind: KindLoaded}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	f := &Frame{}
	require.NoError(t, f.Unmarshal(b))
	assert.Equal(t, KindLoaded, f.Kind)
}

func TestFrame_Truncated(t *testing.T) {
	b := (&Frame{Kind: KindMessage, Message: []byte("hello")}).Marshal()
	f := &Frame{}
	assert.Error(t, f.Unmarshal(b[:len(b)-2]))
}

func TestPipe_OrderAndClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Send(&Frame{Kind: "one"}))
	require.NoError(t, a.Send(&Frame{Kind: "two"}))
	require.NoError(t, a.Close())

	f, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", f.Kind)
	f, err = b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "two", f.Kind)

	_, err = b.Recv()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, a.Send(&Frame{}), ErrClosed)
	assert.ErrorIs(t, b.Send(&Frame{}), io.ErrClosedPipe)
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
	data     [][]byte
	detaches []bridge.DetachReason
	crash    string
	done     chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) HandleMessage(message, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, string(message))
	h.data = append(h.data, data)
}

func (h *recordingHandler) HandleDetach(reason bridge.DetachReason, crash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detaches = append(h.detaches, reason)
	h.crash = crash
	close(h.done)
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for detach")
	}
}

func TestChannel_PumpDeliversInOrderThenDetach(t *testing.T) {
	local, remote := Pipe()
	ch := NewChannel(local, nil)
	h := newRecordingHandler()
	go ch.Pump(h)

	require.NoError(t, remote.Send(MessageFrame([]byte("m1"), nil)))
	require.NoError(t, remote.Send(&Frame{Kind: KindError, Error: "ignored"}))
	require.NoError(t, remote.Send(MessageFrame([]byte("m2"), []byte{9})))
	require.NoError(t, remote.Send(&Frame{Kind: KindDetached, Reason: "PROCESS_TERMINATED", Crash: "report"}))
	h.wait(t)

	assert.Equal(t, []string{"m1", "m2"}, h.messages)
	assert.Nil(t, h.data[0])
	assert.Equal(t, []byte{9}, h.data[1])
	assert.Equal(t, []bridge.DetachReason{bridge.DetachProcessTerminated}, h.detaches)
	assert.Equal(t, "report", h.crash)
}

func TestChannel_PostWritesMessageFrame(t *testing.T) {
	local, remote := Pipe()
	ch := NewChannel(local, nil)

	require.NoError(t, ch.Post(t.Context(), []byte(`{"type":"state"}`), []byte("abc")))

	f, err := remote.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindMessage, f.Kind)
	assert.Equal(t, `{"type":"state"}`, string(f.Message))
	assert.Equal(t, []byte("abc"), f.Payload())
}

func TestChannel_PostCancelled(t *testing.T) {
	local, _ := Pipe()
	ch := NewChannel(local, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := ch.Post(ctx, []byte("{}"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel_EndReasons(t *testing.T) {
	tests := []struct {
		name  string
		close bool
		err   error
		want  bridge.DetachReason
	}{
		{"local close", true, ErrClosed, bridge.DetachApplicationRequested},
		{"peer closed", false, io.EOF, bridge.DetachServerTerminated},
		{"unavailable", false, status.Error(codes.Unavailable, "gone"), bridge.DetachDeviceLost},
		{"other", false, errors.New("weird"), bridge.DetachServerTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, _ := Pipe()
			ch := NewChannel(local, nil)
			if tt.close {
				require.NoError(t, ch.Close())
			}
			assert.Equal(t, tt.want, ch.endReason(tt.err))
		})
	}
}

func TestChannel_LocalCloseReportsApplicationRequested(t *testing.T) {
	local, _ := Pipe()
	ch := NewChannel(local, nil)
	h := newRecordingHandler()
	go ch.Pump(h)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	h.wait(t)

	assert.Equal(t, []bridge.DetachReason{bridge.DetachApplicationRequested}, h.detaches)
	assert.ErrorIs(t, ch.Post(t.Context(), []byte("{}"), nil), ErrClosed)
}

// serveHandshake plays the agent host side of a handshake.
func serveHandshake(stream Stream, rejectLoad bool) error {
	f, err := stream.Recv()
	if err != nil {
		return err
	}
	pid := f.PID
	suspended := false
	if len(f.Argv) > 0 {
		pid, suspended = 777, true
	}
	if err := stream.Send(&Frame{Kind: KindAttached, PID: pid, Suspended: suspended}); err != nil {
		return err
	}
	if _, err := stream.Recv(); err != nil {
		return err
	}
	if rejectLoad {
		return stream.Send(&Frame{Kind: KindError, Error: "script syntax error"})
	}
	return stream.Send(&Frame{Kind: KindLoaded})
}

func TestHandshake(t *testing.T) {
	t.Run("attach", func(t *testing.T) {
		local, remote := Pipe()
		go serveHandshake(remote, false)

		got, err := Handshake(t.Context(), local, AttachRequest{PID: 1234, Script: []byte("agent")})
		require.NoError(t, err)
		assert.Equal(t, Attached{PID: 1234}, got)
	})

	t.Run("spawn", func(t *testing.T) {
		local, remote := Pipe()
		go serveHandshake(remote, false)

		got, err := Handshake(t.Context(), local, AttachRequest{PID: 5, Argv: []string{"/bin/true"}})
		require.NoError(t, err)
		assert.Equal(t, Attached{PID: 777, Suspended: true}, got)
	})

	t.Run("rejected", func(t *testing.T) {
		local, remote := Pipe()
		go serveHandshake(remote, true)

		_, err := Handshake(t.Context(), local, AttachRequest{PID: 1})
		assert.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "script syntax error")
	})

	t.Run("cancelled", func(t *testing.T) {
		local, _ := Pipe()
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()

		_, err := Handshake(ctx, local, AttachRequest{PID: 1})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// echoServe answers every message frame with the same stanza and payload.
func echoServe(_ context.Context, stream Stream) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Kind == KindDetach {
			return stream.Send(&Frame{Kind: KindDetached, Reason: "APPLICATION_REQUESTED"})
		}
		if err := stream.Send(f); err != nil {
			return err
		}
	}
}

func TestGRPC_EndToEnd(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAgentChannelServer(srv, NewGRPCServer(echoServe))
	go srv.Serve(lis)
	defer srv.Stop()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer cc.Close()

	stream, err := OpenGRPC(t.Context(), cc)
	require.NoError(t, err)

	ch := NewChannel(stream, nil)
	h := newRecordingHandler()
	go ch.Pump(h)

	require.NoError(t, ch.Post(t.Context(), []byte(`{"type":"ping"}`), []byte{1, 2}))
	require.NoError(t, ch.Send(t.Context(), &Frame{Kind: KindDetach}))
	h.wait(t)

	require.Len(t, h.messages, 1)
	assert.Equal(t, `{"type":"ping"}`, h.messages[0])
	assert.Equal(t, []byte{1, 2}, h.data[0])
	assert.Equal(t, []bridge.DetachReason{bridge.DetachApplicationRequested}, h.detaches)
}

func TestWebSocket_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(echoServe, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream, err := DialWebSocket(t.Context(), url)
	require.NoError(t, err)

	ch := NewChannel(stream, nil)
	h := newRecordingHandler()
	go ch.Pump(h)

	require.NoError(t, ch.Post(t.Context(), []byte(`{"type":"ping"}`), nil))
	require.NoError(t, ch.Send(t.Context(), &Frame{Kind: KindDetach}))
	h.wait(t)

	require.Len(t, h.messages, 1)
	assert.Nil(t, h.data[0])
	assert.Equal(t, []bridge.DetachReason{bridge.DetachApplicationRequested}, h.detaches)
	ch.Close()
}
