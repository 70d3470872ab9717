package ipld

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrIntegrity reports a block whose bytes do not digest to the CID they are
// stored under. Callers must treat it as fatal for the operation in progress.
var ErrIntegrity = errors.New("cid does not match block bytes")

const linkTag = 42

// CidForCBOR computes the CIDv1 (dag-cbor, sha2-256) of an encoded node.
func CidForCBOR(data []byte) (cid.Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("cid digest: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum), nil
}

// CidForRaw computes the CIDv1 (raw, sha2-256) of opaque bytes, used for blobs.
func CidForRaw(data []byte) (cid.Cid, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("cid digest: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// MarshalAndCid encodes v as canonical DAG-CBOR and returns the bytes with
// their dag-cbor CID.
func MarshalAndCid(v any) ([]byte, cid.Cid, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, cid.Undef, err
	}
	c, err := CidForCBOR(data)
	if err != nil {
		return nil, cid.Undef, err
	}
	return data, c, nil
}

// Verify recomputes the digest of data under the codec carried by c and
// compares. A mismatch returns ErrIntegrity.
func Verify(c cid.Cid, data []byte) error {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return fmt.Errorf("cid verify: %w", err)
	}
	want := cid.NewCidV1(c.Prefix().Codec, sum)
	if !want.Equals(c) {
		return fmt.Errorf("cid verify %s: %w", c, ErrIntegrity)
	}
	return nil
}

// ParseCid parses a CID string, normalizing surrounding whitespace.
func ParseCid(s string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, fmt.Errorf("parse cid %q: %w", s, err)
	}
	return c, nil
}

// Link is a CID embedded in a DAG-CBOR document. On the wire it is CBOR tag
// 42 wrapping the identity-multibase-prefixed CID bytes.
type Link struct {
	cid.Cid
}

// NewLink wraps a CID.
func NewLink(c cid.Cid) Link {
	return Link{Cid: c}
}

// MarshalCBOR implements cbor.Marshaler.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Defined() {
		return nil, fmt.Errorf("marshal link: undefined cid")
	}
	raw := append([]byte{0x00}, l.Bytes()...)
	content, err := encMode.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal link: %w", err)
	}
	return encMode.Marshal(cbor.RawTag{Number: linkTag, Content: content})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var rt cbor.RawTag
	if err := decMode.Unmarshal(data, &rt); err != nil {
		return fmt.Errorf("unmarshal link: %w", err)
	}
	if rt.Number != linkTag {
		return fmt.Errorf("unmarshal link: tag %d, expected %d", rt.Number, linkTag)
	}
	var raw []byte
	if err := decMode.Unmarshal(rt.Content, &raw); err != nil {
		return fmt.Errorf("unmarshal link content: %w", err)
	}
	if len(raw) == 0 || raw[0] != 0x00 {
		return fmt.Errorf("unmarshal link: missing identity multibase prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return fmt.Errorf("unmarshal link: %w", err)
	}
	l.Cid = c
	return nil
}
