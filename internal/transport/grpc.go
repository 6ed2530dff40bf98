// ABOUTME: AgentChannel gRPC service: a single bidirectional Connect stream of Frames
// ABOUTME: Hand-written service descriptor and client; frames use the coven-frame codec

package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	serviceName   = "coven.probe.AgentChannel"
	connectMethod = "/" + serviceName + "/Connect"
)

// AgentChannelServer is implemented by the agent side of the channel.
type AgentChannelServer interface {
	Connect(stream grpc.BidiStreamingServer[Frame, Frame]) error
}

// AgentChannelClient opens channel streams to an agent host.
type AgentChannelClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[Frame, Frame], error)
}

var agentChannelServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "coven/probe/channel.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentChannelServer).Connect(&grpc.GenericServerStream[Frame, Frame]{ServerStream: stream})
}

// RegisterAgentChannelServer registers srv on s.
func RegisterAgentChannelServer(s grpc.ServiceRegistrar, srv AgentChannelServer) {
	s.RegisterService(&agentChannelServiceDesc, srv)
}

type agentChannelClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentChannelClient wraps a client connection.
func NewAgentChannelClient(cc grpc.ClientConnInterface) AgentChannelClient {
	return &agentChannelClient{cc: cc}
}

func (c *agentChannelClient) Connect(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[Frame, Frame], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &agentChannelServiceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Frame, Frame]{ClientStream: stream}, nil
}

// ServeFunc handles one agent channel stream until it ends.
type ServeFunc func(ctx context.Context, stream Stream) error

// grpcServer adapts a ServeFunc to AgentChannelServer.
type grpcServer struct {
	serve ServeFunc
}

// NewGRPCServer returns an AgentChannelServer that hands each Connect stream to serve.
func NewGRPCServer(serve ServeFunc) AgentChannelServer {
	return &grpcServer{serve: serve}
}

func (s *grpcServer) Connect(stream grpc.BidiStreamingServer[Frame, Frame]) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	return s.serve(ctx, &serverStream{stream: stream, cancel: cancel})
}

// serverStream is the agent host's view of a gRPC Connect stream.
type serverStream struct {
	stream grpc.BidiStreamingServer[Frame, Frame]
	cancel context.CancelFunc
}

func (s *serverStream) Send(f *Frame) error { return s.stream.Send(f) }

func (s *serverStream) Recv() (*Frame, error) { return s.stream.Recv() }

// Close ends the handler's context; the stream finishes when the handler returns.
func (s *serverStream) Close() error {
	s.cancel()
	return nil
}

// clientStream is the controller's view of a gRPC Connect stream.
type clientStream struct {
	stream grpc.BidiStreamingClient[Frame, Frame]
	cancel context.CancelFunc
}

func (s *clientStream) Send(f *Frame) error { return s.stream.Send(f) }

func (s *clientStream) Recv() (*Frame, error) { return s.stream.Recv() }

func (s *clientStream) Close() error {
	err := s.stream.CloseSend()
	s.cancel()
	return err
}

// OpenGRPC opens a Connect stream on cc. The stream outlives ctx only until
// Close is called.
func OpenGRPC(ctx context.Context, cc grpc.ClientConnInterface) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := NewAgentChannelClient(cc).Connect(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening channel stream: %w", err)
	}
	return &clientStream{stream: stream, cancel: cancel}, nil
}

// DialGRPC creates a client connection to an agent host at addr.
// Transport security is delegated to the agent host, so the connection is plaintext.
func DialGRPC(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", addr, err)
	}
	return conn, nil
}
