// Package protocol defines the gRPC services spoken between nodes and the
// peer directory. Messages are protobuf well-known types (structpb, wrapperspb,
// emptypb) so no protoc step is needed; records travel as self-describing
// key/value structs using the same field names as their JSON form.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"blocksnap/pkg/types"
)

// maxExactInt is the largest magnitude a protobuf number value (a float64)
// carries without rounding.
const maxExactInt = 1 << 53

// wideIntFields may hold ledger integers beyond maxExactInt. Such values
// travel as decimal strings and are turned back into numbers on decode.
var wideIntFields = map[string]bool{
	"token_id":        true,
	"session_id":      true,
	"sequence_number": true,
}

// ToStruct encodes v via its JSON representation.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("record is not an object: %w", err)
	}
	for k, val := range m {
		if num, ok := val.(json.Number); ok && wideIntFields[k] {
			if i, err := num.Int64(); err == nil && (i > maxExactInt || i < -maxExactInt) {
				m[k] = num.String()
				continue
			}
		}
		m[k] = plainNumbers(val)
	}
	return structpb.NewStruct(m)
}

// plainNumbers replaces json.Number with float64 throughout v.
func plainNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = plainNumbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = plainNumbers(val)
		}
	}
	return v
}

// FromStruct decodes s into v via its JSON representation.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty record")
	}
	m := s.AsMap()
	for k := range wideIntFields {
		str, ok := m[k].(string)
		if !ok {
			continue
		}
		if _, err := strconv.ParseInt(str, 10, 64); err != nil {
			return fmt.Errorf("invalid %s %q: %w", k, str, err)
		}
		m[k] = json.Number(str)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to re-encode record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

func MediaRecordToStruct(rec *types.MediaRecord) (*structpb.Struct, error) {
	return ToStruct(rec)
}

func MediaRecordFromStruct(s *structpb.Struct) (*types.MediaRecord, error) {
	rec := &types.MediaRecord{}
	if err := FromStruct(s, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func VerifyAnswerToStruct(a *types.VerifyAnswer) (*structpb.Struct, error) {
	return ToStruct(a)
}

func VerifyAnswerFromStruct(s *structpb.Struct) (*types.VerifyAnswer, error) {
	a := &types.VerifyAnswer{}
	if err := FromStruct(s, a); err != nil {
		return nil, err
	}
	return a, nil
}

func NodeRecordToStruct(rec types.NodeRecord) (*structpb.Struct, error) {
	return ToStruct(rec)
}

func NodeRecordFromStruct(s *structpb.Struct) (types.NodeRecord, error) {
	var rec types.NodeRecord
	err := FromStruct(s, &rec)
	return rec, err
}

// NodeListToValue encodes a node list for ListActive responses.
func NodeListToValue(nodes []types.NodeRecord) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(nodes))}
	for _, n := range nodes {
		s, err := NodeRecordToStruct(n)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// NodeListFromValue skips entries that are not objects.
func NodeListFromValue(list *structpb.ListValue) ([]types.NodeRecord, error) {
	if list == nil {
		return nil, nil
	}
	nodes := make([]types.NodeRecord, 0, len(list.Values))
	for _, v := range list.Values {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		n, err := NodeRecordFromStruct(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
