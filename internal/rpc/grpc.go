package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

const (
	serviceName   = "flowscope.worker.v1.Worker"
	channelMethod = "/" + serviceName + "/Channel"
)

// envelopeCodec puts Envelopes on a gRPC stream without generated messages.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return env.MarshalBinary()
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	// gRPC may reuse data after Unmarshal returns; the envelope keeps slices of it.
	return env.UnmarshalBinary(append([]byte(nil), data...))
}

func (envelopeCodec) Name() string { return "flowscope-envelope" }

type channelServer interface {
	serveChannel(stream grpc.ServerStream) error
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*channelServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Channel",
		Handler:       channelHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "flowscope/worker/v1/worker.proto",
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(channelServer).serveChannel(stream)
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream used here.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamConn adapts a bidirectional gRPC stream to Conn.
type streamConn struct {
	stream msgStream
	close  func() error
	once   sync.Once
}

func (s *streamConn) Send(_ context.Context, env *Envelope) error {
	if err := s.stream.SendMsg(env); err != nil {
		return connError(err)
	}
	return nil
}

func (s *streamConn) Recv(_ context.Context) (*Envelope, error) {
	env := &Envelope{}
	if err := s.stream.RecvMsg(env); err != nil {
		return nil, connError(err)
	}
	return env, nil
}

func (s *streamConn) Close() error {
	var err error
	s.once.Do(func() {
		if s.close != nil {
			err = s.close()
		}
	})
	return err
}

func connError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrConnClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return err
}

// SessionFunc builds the Server for one connection. release runs after the
// connection's last handler has returned.
type SessionFunc func() (srv *Server, release func())

// GRPCServer hosts RPC sessions over gRPC streams, one session per stream.
type GRPCServer struct {
	server  *grpc.Server
	session SessionFunc
}

// NewGRPCServer creates a gRPC server. opts typically carry grpc.Creds.
func NewGRPCServer(session SessionFunc, opts ...grpc.ServerOption) *GRPCServer {
	opts = append(opts, grpc.ForceServerCodec(envelopeCodec{}))
	g := &GRPCServer{server: grpc.NewServer(opts...), session: session}
	g.server.RegisterService(&workerServiceDesc, g)
	return g
}

func (g *GRPCServer) serveChannel(stream grpc.ServerStream) error {
	srv, release := g.session()
	if release != nil {
		defer release()
	}
	logger.Info("Worker session started")
	conn := &streamConn{stream: stream}
	err := srv.Serve(stream.Context(), conn)
	logger.Info("Worker session ended", zap.Error(err))
	return err
}

// Serve accepts connections on lis until Stop is called.
func (g *GRPCServer) Serve(lis net.Listener) error {
	logger.Info("Worker listening", zap.String("address", lis.Addr().String()))
	return g.server.Serve(lis)
}

// Stop closes the listener and cancels every session.
func (g *GRPCServer) Stop() {
	g.server.Stop()
}

// DialGRPC opens a channel stream to a worker at target. The returned Conn owns
// the underlying client connection.
func DialGRPC(ctx context.Context, target string, opts ...grpc.DialOption) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(envelopeCodec{})))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker client: %w", err)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(streamCtx, &workerServiceDesc.Streams[0], channelMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("failed to open worker channel: %w", err)
	}
	return &streamConn{
		stream: stream,
		close: func() error {
			stream.CloseSend()
			cancel()
			return cc.Close()
		},
	}, nil
}
