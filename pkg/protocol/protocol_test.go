package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"blocksnap/pkg/types"
)

func TestMediaRecordStructRoundTrip(t *testing.T) {
	in := &types.MediaRecord{
		TxHash:       "0xAAA",
		Type:         types.MediaPhoto,
		MediaType:    types.MediaPhoto,
		Owner:        "0x111",
		ContentID:    "bafkreiexample",
		TokenID:      types.Int64(7),
		RegisteredBy: "N1",
		RegisteredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	s, err := MediaRecordToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "photo", s.Fields["media_type"].GetStringValue())
	assert.Equal(t, float64(7), s.Fields["token_id"].GetNumberValue())

	out, err := MediaRecordFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, in.TxHash, out.TxHash)
	assert.Equal(t, in.Owner, out.Owner)
	require.NotNil(t, out.TokenID)
	assert.Equal(t, int64(7), *out.TokenID)
	assert.True(t, in.RegisteredAt.Equal(out.RegisteredAt))
}

func TestMediaRecordStruct_WideIntegersExact(t *testing.T) {
	const big = int64(1)<<53 + 1
	in := &types.MediaRecord{
		TxHash:         "0xAAA",
		Type:           types.MediaVideoChunk,
		TokenID:        types.Int64(big),
		SessionID:      types.Int64(-big),
		SequenceNumber: types.Int64(42),
		Verification:   map[string]any{"block": 12, "checks": []any{1.5, "ok"}},
	}

	s, err := MediaRecordToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", s.Fields["token_id"].GetStringValue())
	assert.Equal(t, float64(42), s.Fields["sequence_number"].GetNumberValue())

	out, err := MediaRecordFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, big, *out.TokenID)
	assert.Equal(t, -big, *out.SessionID)
	assert.Equal(t, int64(42), *out.SequenceNumber)
	assert.Equal(t, float64(12), out.Verification["block"])

	answer := types.AnswerFromRecord(out)
	as, err := VerifyAnswerToStruct(answer)
	require.NoError(t, err)
	decoded, err := VerifyAnswerFromStruct(as)
	require.NoError(t, err)
	assert.Equal(t, big, *decoded.TokenID)
}

func TestMediaRecordFromStruct_BadWideInteger(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"tx_hash": "0xAAA", "token_id": "seven"})
	require.NoError(t, err)

	_, err = MediaRecordFromStruct(s)
	assert.Error(t, err)
}

func TestMediaRecordFromStruct_CIDAlias(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"tx_hash": "0xBBB",
		"type":    "video_chunk",
		"cid":     "bafkrei-chunk",
	})
	require.NoError(t, err)

	rec, err := MediaRecordFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, "bafkrei-chunk", rec.ContentID)
	assert.Equal(t, types.MediaVideoChunk, rec.Type)
}

func TestNodeListRoundTrip(t *testing.T) {
	nodes := []types.NodeRecord{
		{NodeID: "a", Endpoint: "127.0.0.1:7001", Capabilities: types.AllCapabilities, LastSeen: time.Unix(100, 0).UTC()},
		{NodeID: "b", Endpoint: "127.0.0.1:7002", Capabilities: types.NewCapabilities(types.CapVerify)},
	}

	list, err := NodeListToValue(nodes)
	require.NoError(t, err)
	require.Len(t, list.Values, 2)

	caps := list.Values[1].GetStructValue().Fields["capabilities"].GetStructValue()
	assert.True(t, caps.Fields["verify"].GetBoolValue())
	assert.False(t, caps.Fields["broadcast"].GetBoolValue())

	out, err := NodeListFromValue(list)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, types.NodeID("a"), out[0].NodeID)
	assert.True(t, out[0].Capabilities.Has(types.CapBroadcast))
	assert.False(t, out[1].Capabilities.Has(types.CapBroadcast))
	assert.True(t, out[0].LastSeen.Equal(nodes[0].LastSeen))
}

type fakeMediaServer struct {
	UnimplementedMediaServiceServer
	received *types.MediaRecord
}

func (f *fakeMediaServer) Broadcast(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	rec, err := MediaRecordFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.received = rec
	return &emptypb.Empty{}, nil
}

func (f *fakeMediaServer) Verify(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	return VerifyAnswerToStruct(&types.VerifyAnswer{
		ExistsOnBlockchain: in.GetValue() == "0xAAA",
		TxHash:             types.TxHash(in.GetValue()),
	})
}

func TestMediaServiceOverGRPC(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	fake := &fakeMediaServer{}
	RegisterMediaServiceServer(srv, fake)
	RegisterDirectoryServiceServer(srv, UnimplementedDirectoryServiceServer{})
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewMediaServiceClient(conn)

	rec, err := MediaRecordToStruct(&types.MediaRecord{TxHash: "0xAAA", Type: types.MediaPhoto, MediaType: types.MediaPhoto})
	require.NoError(t, err)
	_, err = client.Broadcast(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, fake.received)
	assert.Equal(t, types.TxHash("0xAAA"), fake.received.TxHash)

	resp, err := client.Verify(ctx, wrapperspb.String("0xAAA"))
	require.NoError(t, err)
	answer, err := VerifyAnswerFromStruct(resp)
	require.NoError(t, err)
	assert.True(t, answer.ExistsOnBlockchain)

	_, err = NewDirectoryServiceClient(conn).Heartbeat(ctx, wrapperspb.String("x"))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
