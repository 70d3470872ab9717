package xrpc

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// cborToJSON rewrites a decoded DAG-CBOR value into its JSON projection:
// CID links become {"$link": "..."} and byte strings {"$bytes": "..."}.
func cborToJSON(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			conv, err := cborToJSON(inner)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			conv, err := cborToJSON(inner)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case []byte:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(val)}, nil
	case cbor.Tag:
		if val.Number != 42 {
			return nil, fmt.Errorf("unsupported cbor tag %d", val.Number)
		}
		raw, ok := val.Content.([]byte)
		if !ok || len(raw) == 0 || raw[0] != 0x00 {
			return nil, fmt.Errorf("malformed cid link tag")
		}
		c, err := cid.Cast(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("malformed cid link: %w", err)
		}
		return map[string]any{"$link": c.String()}, nil
	case ipld.Link:
		return map[string]any{"$link": val.String()}, nil
	default:
		return v, nil
	}
}

// recordToJSON decodes canonical record bytes into their JSON projection.
func recordToJSON(data []byte) (any, error) {
	var v any
	if err := ipld.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return cborToJSON(v)
}
