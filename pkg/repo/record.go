package repo

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// NormalizeRecord rewrites a JSON-decoded record value into the form the
// canonical CBOR encoder expects: json.Number becomes int64 where integral
// (float64 otherwise), and {"$link": "<cid>"} maps become CID links.
// Callers must decode request bodies with json.Decoder.UseNumber so
// integers survive.
func NormalizeRecord(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if linkStr, ok := linkValue(val); ok {
			c, err := ipld.ParseCid(linkStr)
			if err != nil {
				return nil, fmt.Errorf("normalize record: %w", err)
			}
			return ipld.NewLink(c), nil
		}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			norm, err := NormalizeRecord(inner)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			norm, err := NormalizeRecord(inner)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("normalize record: bad number %q: %w", val, err)
		}
		return f, nil
	default:
		return v, nil
	}
}

func linkValue(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m["$link"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// findBlobRefs walks a normalized record and collects the CIDs of every
// blob reference: maps with $type "blob" carrying a ref link. Each one
// must resolve to a pending or permanent blob before the write commits.
func findBlobRefs(v any) []cid.Cid {
	var out []cid.Cid
	walkBlobRefs(v, &out)
	return out
}

func walkBlobRefs(v any, out *[]cid.Cid) {
	switch val := v.(type) {
	case map[string]any:
		if t, ok := val["$type"].(string); ok && t == "blob" {
			if l, ok := val["ref"].(ipld.Link); ok {
				*out = append(*out, l.Cid)
				return
			}
		}
		for _, inner := range val {
			walkBlobRefs(inner, out)
		}
	case []any:
		for _, inner := range val {
			walkBlobRefs(inner, out)
		}
	}
}
