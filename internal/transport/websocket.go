// ABOUTME: WebSocket transport for agent channels: each binary message holds one encoded Frame
// ABOUTME: Provides the controller-side dialer and an http.Handler for agent hosts

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single frame; reads and writes carry whole memory blocks.
const maxFrameSize = 64 << 20

type wsStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(maxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &wsStream{conn: conn, ctx: ctx, cancel: cancel}
}

func (s *wsStream) Send(f *Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.Write(s.ctx, websocket.MessageBinary, f.Marshal())
}

func (s *wsStream) Recv() (*Frame, error) {
	typ, data, err := s.conn.Read(s.ctx)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected websocket message type %v", typ)
	}

	f := &Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *wsStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "bye")
	s.cancel()
	return err
}

// DialWebSocket opens a channel stream to a ws:// or wss:// agent host URL.
func DialWebSocket(ctx context.Context, url string) (Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newWSStream(conn), nil
}

// WebSocketHandler returns an http.Handler that serves each connection with serve.
func WebSocketHandler(serve ServeFunc, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		stream := newWSStream(conn)
		defer stream.Close()

		logger.Info("channel connected", "remote", r.RemoteAddr)
		if err := serve(r.Context(), stream); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("serving channel", "remote", r.RemoteAddr, "error", err)
		}
		logger.Info("channel disconnected", "remote", r.RemoteAddr)
	})
}
