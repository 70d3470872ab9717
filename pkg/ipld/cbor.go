// Package ipld provides canonical DAG-CBOR encoding and CID computation for
// repository objects. Every stored block is addressed by the SHA-256 digest
// of its canonical encoding; two encoders given the same value must produce
// identical bytes, so the encoding mode here is deterministic: sorted map
// keys, shortest integer forms, definite lengths only.
package ipld

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		ShortestFloat: cbor.ShortestFloat16,
		NaNConvert:    cbor.NaNConvert7e00,
		InfConvert:    cbor.InfConvertFloat16,
		IndefLength:   cbor.IndefLengthForbidden,
		TagsMd:        cbor.TagsAllowed,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ipld: build encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		IndefLength:    cbor.IndefLengthForbidden,
		TagsMd:         cbor.TagsAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ipld: build decoder mode: %v", err))
	}
}

// Marshal encodes v as canonical DAG-CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipld marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes canonical DAG-CBOR into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ipld unmarshal: %w", err)
	}
	return nil
}

// UnmarshalFirst decodes the first CBOR object in data into v and returns
// the remaining bytes. Used for multi-object framings (firehose frames).
func UnmarshalFirst(data []byte, v any) ([]byte, error) {
	rest, err := decMode.UnmarshalFirst(data, v)
	if err != nil {
		return nil, fmt.Errorf("ipld unmarshal first: %w", err)
	}
	return rest, nil
}
