// ABOUTME: Probe end-to-end over real transports: gRPC on bufconn and WebSocket on httptest
// ABOUTME: Uses the default device dialer so address routing is exercised too

package probe

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-probe/internal/agenthost"
	"github.com/2389/coven-probe/internal/bridge"
	"github.com/2389/coven-probe/internal/device"
	"github.com/2389/coven-probe/internal/hostcmd"
	"github.com/2389/coven-probe/internal/transport"
)

func exerciseConn(t *testing.T, mgr *device.Manager, addr string) {
	t.Helper()
	ctx := context.Background()

	c, err := Open(ctx, mgr, Options{
		Device:   addr,
		PID:      1,
		Executor: hostcmd.New(hostcmd.Options{}),
		Console:  &lockedBuffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.Refs(addr))

	data, err := c.ReadAt(ctx, 0x10, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x11}, data)

	out, err := c.System(ctx, "callback ?e over the wire")
	require.NoError(t, err)
	assert.Equal(t, "over the wire\n", out)

	_, err = c.System(ctx, "fail remote")
	assert.True(t, bridge.IsRecoverable(err))

	require.NoError(t, c.Close())
	assert.Equal(t, 0, mgr.Refs(addr))
}

func TestEndToEnd_GRPC(t *testing.T) {
	host := agenthost.New(agenthost.Options{})
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	transport.RegisterAgentChannelServer(srv, transport.NewGRPCServer(host.Serve))
	go srv.Serve(lis)
	defer srv.Stop()

	dialer := device.DefaultDialer{Options: []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}}
	mgr := device.NewManager(dialer, "passthrough:///bufnet", nil)
	defer mgr.Close()

	exerciseConn(t, mgr, "passthrough:///bufnet")
}

func TestEndToEnd_WebSocket(t *testing.T) {
	host := agenthost.New(agenthost.Options{})
	srv := httptest.NewServer(transport.WebSocketHandler(host.Serve, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	mgr := device.NewManager(nil, url, nil)
	defer mgr.Close()

	exerciseConn(t, mgr, url)
}
