package node

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"blocksnap/pkg/protocol"
	"blocksnap/pkg/shared"
	"blocksnap/pkg/types"
)

// GRPCTransport speaks the MediaService protocol to peers over pooled
// connections.
type GRPCTransport struct {
	pool *shared.ConnectionPool
}

func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{pool: shared.NewConnectionPool()}
}

func (t *GRPCTransport) Verify(ctx context.Context, endpoint string, txHash types.TxHash) (*types.VerifyAnswer, error) {
	conn, err := t.pool.GetConnection(endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := protocol.NewMediaServiceClient(conn).Verify(ctx, wrapperspb.String(string(txHash)))
	if err != nil {
		return nil, err
	}
	return protocol.VerifyAnswerFromStruct(resp)
}

func (t *GRPCTransport) Broadcast(ctx context.Context, endpoint string, rec *types.MediaRecord) error {
	conn, err := t.pool.GetConnection(endpoint)
	if err != nil {
		return err
	}
	req, err := protocol.MediaRecordToStruct(rec)
	if err != nil {
		return err
	}
	_, err = protocol.NewMediaServiceClient(conn).Broadcast(ctx, req)
	return err
}

func (t *GRPCTransport) Close() {
	t.pool.CloseAll()
}

// Broadcast handles a gossiped media record from a peer.
func (n *Node) Broadcast(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rec, err := protocol.MediaRecordFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := n.ReceiveBroadcast(ctx, rec); err != nil {
		if errors.Is(err, types.ErrMissingTxHash) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Verify handles a peer's verification query.
func (n *Node) Verify(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	answer, err := n.AnswerVerification(ctx, types.TxHash(req.GetValue()))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := protocol.VerifyAnswerToStruct(answer)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}
