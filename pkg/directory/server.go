package directory

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"blocksnap/pkg/protocol"
	"blocksnap/pkg/types"
)

// Server exposes a Service over gRPC.
type Server struct {
	protocol.UnimplementedDirectoryServiceServer

	svc    *Service
	logger *zap.Logger

	server   *grpc.Server
	listener net.Listener
}

func NewServer(svc *Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger}
}

// Listen binds address and returns the bound address, which differs from
// address when a :0 port is requested.
func (s *Server) Listen(address string) (string, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener
	s.server = grpc.NewServer()
	protocol.RegisterDirectoryServiceServer(s.server, s)
	return listener.Addr().String(), nil
}

// Serve blocks until the server stops. Listen must be called first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("directory server is not listening")
	}
	s.logger.Info("Peer directory serving", zap.String("address", s.listener.Addr().String()))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rec, err := protocol.NodeRecordFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.svc.Register(ctx, rec.NodeID, rec.Endpoint, rec.Capabilities); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListActive(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	list, err := protocol.NodeListToValue(s.svc.ListActive(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.svc.Heartbeat(ctx, types.NodeID(req.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrMissingFields):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
