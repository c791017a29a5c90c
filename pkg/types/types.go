package types

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type NodeID string
type TxHash string

// ErrMissingTxHash is returned when a media fact carries no transaction hash.
var ErrMissingTxHash = errors.New("media record is missing tx_hash")

// SourceLocalRegistry marks a verification answered from the node's own registry.
const SourceLocalRegistry = "local_registry"

// PeerSource returns the verification source label for an answer from a peer.
func PeerSource(id NodeID) string {
	return "peer_" + string(id)
}

// Capability is a declared ability of a peer.
type Capability uint8

const (
	CapVerify Capability = 1 << iota
	CapBroadcast
)

// Capabilities is a closed set of capabilities. On the wire it is encoded as
// the map {"verify": true, "broadcast": true}.
type Capabilities Capability

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapVerify, "verify"},
	{CapBroadcast, "broadcast"},
}

// AllCapabilities is what a fully participating node advertises.
const AllCapabilities = Capabilities(CapVerify | CapBroadcast)

func NewCapabilities(caps ...Capability) Capabilities {
	var c Capabilities
	for _, cp := range caps {
		c |= Capabilities(cp)
	}
	return c
}

func (c Capabilities) Has(cp Capability) bool {
	return Capability(c)&cp != 0
}

// Map returns the self-describing form of the set.
func (c Capabilities) Map() map[string]bool {
	m := make(map[string]bool, len(capabilityNames))
	for _, cn := range capabilityNames {
		m[cn.name] = c.Has(cn.cap)
	}
	return m
}

// CapabilitiesFromMap ignores unknown names.
func CapabilitiesFromMap(m map[string]bool) Capabilities {
	var c Capabilities
	for _, cn := range capabilityNames {
		if m[cn.name] {
			c |= Capabilities(cn.cap)
		}
	}
	return c
}

func (c Capabilities) String() string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			names = append(names, cn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func (c Capabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = CapabilitiesFromMap(m)
	return nil
}

// NodeRecord describes a node known to the directory or to a peer cache.
type NodeRecord struct {
	NodeID       NodeID       `json:"node_id"`
	Endpoint     string       `json:"endpoint"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
}

type MediaType string

const (
	MediaPhoto               MediaType = "photo"
	MediaVideoChunk          MediaType = "video_chunk"
	MediaVideoSession        MediaType = "video_session"
	MediaContractInteraction MediaType = "contract_interaction"
	MediaExternal            MediaType = "external"
	MediaUnknown             MediaType = "unknown"
)

// ParseMediaType maps unrecognised names to MediaUnknown.
func ParseMediaType(s string) MediaType {
	switch mt := MediaType(s); mt {
	case MediaPhoto, MediaVideoChunk, MediaVideoSession, MediaContractInteraction, MediaExternal:
		return mt
	default:
		return MediaUnknown
	}
}

// MediaRecord is a confirmed ledger fact about a piece of media, keyed by TxHash.
type MediaRecord struct {
	TxHash         TxHash         `json:"tx_hash"`
	Type           MediaType      `json:"type"`
	MediaType      MediaType      `json:"media_type"`
	Owner          string         `json:"owner,omitempty"`
	ContentID      string         `json:"content_id,omitempty"`
	TokenID        *int64         `json:"token_id,omitempty"`
	SessionID      *int64         `json:"session_id,omitempty"`
	SequenceNumber *int64         `json:"sequence_number,omitempty"`
	MetadataURI    string         `json:"metadata_uri,omitempty"`
	Function       string         `json:"function,omitempty"`
	Message        string         `json:"message,omitempty"`
	RegisteredBy   NodeID         `json:"registered_by,omitempty"`
	RegisteredAt   time.Time      `json:"registered_at,omitempty"`
	LearnedFrom    NodeID         `json:"learned_from,omitempty"`
	Verification   map[string]any `json:"verification_result,omitempty"`
}

// UnmarshalJSON accepts the legacy "cid" key as an alias of content_id.
func (m *MediaRecord) UnmarshalJSON(data []byte) error {
	type plain MediaRecord
	aux := struct {
		*plain
		CID string `json:"cid,omitempty"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.ContentID == "" {
		m.ContentID = aux.CID
	}
	return nil
}

// Validate checks the fields a record must carry to be registered.
func (m *MediaRecord) Validate() error {
	if m == nil || strings.TrimSpace(string(m.TxHash)) == "" {
		return ErrMissingTxHash
	}
	return nil
}

// Normalize makes type and media_type agree, filling whichever is missing.
func (m *MediaRecord) Normalize() {
	switch {
	case m.MediaType == "" && m.Type != "":
		m.MediaType = m.Type
	case m.Type == "" && m.MediaType != "":
		m.Type = m.MediaType
	case m.Type == "" && m.MediaType == "":
		m.Type, m.MediaType = MediaUnknown, MediaUnknown
	}
}

// Clone returns a deep copy safe to hand outside a lock.
func (m *MediaRecord) Clone() *MediaRecord {
	if m == nil {
		return nil
	}
	c := *m
	c.TokenID = cloneInt(m.TokenID)
	c.SessionID = cloneInt(m.SessionID)
	c.SequenceNumber = cloneInt(m.SequenceNumber)
	if m.Verification != nil {
		c.Verification = make(map[string]any, len(m.Verification))
		for k, v := range m.Verification {
			c.Verification[k] = v
		}
	}
	return &c
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Int64 is a helper for optional integer fields.
func Int64(v int64) *int64 {
	return &v
}

// VerifyAnswer is what a node answers when a peer asks about a transaction.
type VerifyAnswer struct {
	ExistsOnBlockchain   bool      `json:"exists_on_blockchain"`
	ExistsOnContentStore bool      `json:"exists_on_content_store"`
	TxHash               TxHash    `json:"tx_hash"`
	MediaType            MediaType `json:"media_type,omitempty"`
	Owner                string    `json:"owner,omitempty"`
	ContentID            string    `json:"content_id,omitempty"`
	TokenID              *int64    `json:"token_id,omitempty"`
	SessionID            *int64    `json:"session_id,omitempty"`
	SequenceNumber       *int64    `json:"sequence_number,omitempty"`
	MetadataURI          string    `json:"metadata_uri,omitempty"`
	Function             string    `json:"function,omitempty"`
	Message              string    `json:"message,omitempty"`
}

// AnswerFromRecord builds a positive answer from a known record.
func AnswerFromRecord(rec *MediaRecord) *VerifyAnswer {
	return &VerifyAnswer{
		ExistsOnBlockchain: true,
		TxHash:             rec.TxHash,
		MediaType:          rec.MediaType,
		Owner:              rec.Owner,
		ContentID:          rec.ContentID,
		TokenID:            cloneInt(rec.TokenID),
		SessionID:          cloneInt(rec.SessionID),
		SequenceNumber:     cloneInt(rec.SequenceNumber),
		MetadataURI:        rec.MetadataURI,
		Function:           rec.Function,
		Message:            rec.Message,
	}
}

// Record converts a positive answer into a media record for local storage.
func (a *VerifyAnswer) Record() *MediaRecord {
	rec := &MediaRecord{
		TxHash:         a.TxHash,
		MediaType:      a.MediaType,
		Owner:          a.Owner,
		ContentID:      a.ContentID,
		TokenID:        cloneInt(a.TokenID),
		SessionID:      cloneInt(a.SessionID),
		SequenceNumber: cloneInt(a.SequenceNumber),
		MetadataURI:    a.MetadataURI,
		Function:       a.Function,
		Message:        a.Message,
	}
	rec.Normalize()
	return rec
}

// VerifyResult is the outcome of a cross-network verification. Verified=false
// is a normal negative answer, not an error.
type VerifyResult struct {
	Verified  bool         `json:"verified"`
	Source    string       `json:"source,omitempty"`
	MediaInfo *MediaRecord `json:"media_info,omitempty"`
	Message   string       `json:"message,omitempty"`
}
