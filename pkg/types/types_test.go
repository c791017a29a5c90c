package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilities(t *testing.T) {
	c := NewCapabilities(CapVerify)
	assert.True(t, c.Has(CapVerify))
	assert.False(t, c.Has(CapBroadcast))
	assert.Equal(t, "verify", c.String())
	assert.Equal(t, "verify,broadcast", AllCapabilities.String())
	assert.Equal(t, "none", Capabilities(0).String())
}

func TestCapabilities_JSON(t *testing.T) {
	data, err := json.Marshal(NewCapabilities(CapBroadcast))
	require.NoError(t, err)
	assert.JSONEq(t, `{"verify":false,"broadcast":true}`, string(data))

	var c Capabilities
	require.NoError(t, json.Unmarshal([]byte(`{"verify":true,"broadcast":true,"storage":true}`), &c))
	assert.Equal(t, AllCapabilities, c)
}

func TestNodeRecord_JSON(t *testing.T) {
	var rec NodeRecord
	require.NoError(t, json.Unmarshal([]byte(`{
		"node_id": "node-a",
		"endpoint": "10.0.0.1:7000",
		"capabilities": {"verify": true, "broadcast": false}
	}`), &rec))

	assert.Equal(t, NodeID("node-a"), rec.NodeID)
	assert.True(t, rec.Capabilities.Has(CapVerify))
	assert.False(t, rec.Capabilities.Has(CapBroadcast))
}

func TestMediaRecord_Validate(t *testing.T) {
	var nilRec *MediaRecord
	assert.ErrorIs(t, nilRec.Validate(), ErrMissingTxHash)
	assert.ErrorIs(t, (&MediaRecord{TxHash: "  "}).Validate(), ErrMissingTxHash)
	assert.NoError(t, (&MediaRecord{TxHash: "0xAAA"}).Validate())
}

func TestMediaRecord_Normalize(t *testing.T) {
	tests := []struct {
		name      string
		in        MediaRecord
		wantType  MediaType
		wantMedia MediaType
	}{
		{"type only", MediaRecord{Type: MediaPhoto}, MediaPhoto, MediaPhoto},
		{"media_type only", MediaRecord{MediaType: MediaVideoChunk}, MediaVideoChunk, MediaVideoChunk},
		{"neither", MediaRecord{}, MediaUnknown, MediaUnknown},
		{"both kept", MediaRecord{Type: MediaPhoto, MediaType: MediaPhoto}, MediaPhoto, MediaPhoto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.in
			rec.Normalize()
			assert.Equal(t, tt.wantType, rec.Type)
			assert.Equal(t, tt.wantMedia, rec.MediaType)
		})
	}
}

func TestMediaRecord_CIDAlias(t *testing.T) {
	var rec MediaRecord
	require.NoError(t, json.Unmarshal([]byte(`{"tx_hash":"0x1","type":"photo","cid":"bafy-alias","token_id":7}`), &rec))
	assert.Equal(t, "bafy-alias", rec.ContentID)
	require.NotNil(t, rec.TokenID)
	assert.Equal(t, int64(7), *rec.TokenID)

	// content_id wins when both are present
	require.NoError(t, json.Unmarshal([]byte(`{"tx_hash":"0x1","content_id":"bafy-main","cid":"bafy-alias"}`), &rec))
	assert.Equal(t, "bafy-main", rec.ContentID)
}

func TestMediaRecord_Clone(t *testing.T) {
	orig := &MediaRecord{
		TxHash:       "0x1",
		TokenID:      Int64(7),
		Verification: map[string]any{"exists_on_blockchain": true},
	}
	c := orig.Clone()
	*c.TokenID = 8
	c.Verification["exists_on_blockchain"] = false

	assert.Equal(t, int64(7), *orig.TokenID)
	assert.Equal(t, true, orig.Verification["exists_on_blockchain"])
	assert.Nil(t, (*MediaRecord)(nil).Clone())
}

func TestVerifyAnswer_Record(t *testing.T) {
	rec := &MediaRecord{
		TxHash:    "0xAAA",
		Type:      MediaPhoto,
		MediaType: MediaPhoto,
		Owner:     "0x111",
		TokenID:   Int64(7),
	}

	answer := AnswerFromRecord(rec)
	assert.True(t, answer.ExistsOnBlockchain)

	back := answer.Record()
	assert.Equal(t, MediaPhoto, back.Type)
	assert.Equal(t, MediaPhoto, back.MediaType)
	assert.Equal(t, "0x111", back.Owner)
	assert.Equal(t, int64(7), *back.TokenID)
}

func TestParseMediaType(t *testing.T) {
	assert.Equal(t, MediaVideoSession, ParseMediaType("video_session"))
	assert.Equal(t, MediaUnknown, ParseMediaType("hologram"))
}

func TestPeerSource(t *testing.T) {
	assert.Equal(t, "peer_N1", PeerSource("N1"))
}
