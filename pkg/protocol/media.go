package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	mediaServiceName     = "blocksnap.v1.MediaService"
	mediaBroadcastMethod = "/blocksnap.v1.MediaService/Broadcast"
	mediaVerifyMethod    = "/blocksnap.v1.MediaService/Verify"
)

// MediaServiceServer is implemented by every node: peers push gossiped media
// records with Broadcast and ask about transactions with Verify.
type MediaServiceServer interface {
	Broadcast(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Verify(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// UnimplementedMediaServiceServer can be embedded to have forward compatible implementations.
type UnimplementedMediaServiceServer struct{}

func (UnimplementedMediaServiceServer) Broadcast(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Broadcast not implemented")
}
func (UnimplementedMediaServiceServer) Verify(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Verify not implemented")
}

func RegisterMediaServiceServer(s grpc.ServiceRegistrar, srv MediaServiceServer) {
	s.RegisterService(&MediaService_ServiceDesc, srv)
}

type MediaServiceClient interface {
	Broadcast(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Verify(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type mediaServiceClient struct{ cc grpc.ClientConnInterface }

func NewMediaServiceClient(cc grpc.ClientConnInterface) MediaServiceClient {
	return &mediaServiceClient{cc: cc}
}

func (c *mediaServiceClient) Broadcast(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, mediaBroadcastMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mediaServiceClient) Verify(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, mediaVerifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _MediaService_Broadcast_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MediaServiceServer).Broadcast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: mediaBroadcastMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MediaServiceServer).Broadcast(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _MediaService_Verify_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MediaServiceServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: mediaVerifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MediaServiceServer).Verify(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// MediaService_ServiceDesc is the grpc.ServiceDesc for MediaService.
var MediaService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: mediaServiceName,
	HandlerType: (*MediaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Broadcast", Handler: _MediaService_Broadcast_Handler},
		{MethodName: "Verify", Handler: _MediaService_Verify_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blocksnap/media.proto",
}
