// Package mst implements the Merkle Search Tree: a deterministic,
// hash-keyed prefix tree mapping record paths (collection/rkey) to record
// CIDs. Tree shape is a pure function of the key set: a key lives at the
// layer given by the count of leading zero nibbles in its SHA-256 digest,
// so the same keys always produce the same node CIDs regardless of
// insertion order.
package mst

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// ErrNotFound reports a key absent from the tree, or a node block absent
// from the backing store.
var ErrNotFound = errors.New("mst: not found")

// Blockstore is the read surface the tree needs from block storage.
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Block pairs a CID with its canonical bytes.
type Block struct {
	Cid   cid.Cid
	Bytes []byte
}

// KeyLayer returns the layer a key resides at: the number of leading zero
// nibbles in SHA-256(key), counted from the leaf layer 0.
func KeyLayer(key string) int {
	sum := sha256.Sum256([]byte(key))
	layer := 0
	for _, b := range sum {
		if b == 0 {
			layer += 2
			continue
		}
		if b>>4 == 0 {
			layer++
		}
		break
	}
	return layer
}

// nodeData is the wire shape of one tree node. Entries store keys as
// (prefix length, suffix) against the previous leaf key in the same node;
// the first leaf carries the full key with PrefixLen 0.
type nodeData struct {
	Left    *ipld.Link  `cbor:"l"`
	Entries []entryData `cbor:"e"`
}

type entryData struct {
	PrefixLen int64      `cbor:"p"`
	KeySuffix []byte     `cbor:"k"`
	Value     ipld.Link  `cbor:"v"`
	Right     *ipld.Link `cbor:"t"`
}

// EmptyRootCid returns the sentinel root of an empty tree: the CID of the
// canonical encoding of a node with no left pointer and no entries.
func EmptyRootCid() (cid.Cid, Block, error) {
	data, c, err := ipld.MarshalAndCid(nodeData{Entries: []entryData{}})
	if err != nil {
		return cid.Undef, Block{}, fmt.Errorf("empty root: %w", err)
	}
	return c, Block{Cid: c, Bytes: data}, nil
}

// decodeNode parses and integrity-checks a stored node block.
func decodeNode(c cid.Cid, data []byte) (*nodeData, error) {
	if err := ipld.Verify(c, data); err != nil {
		return nil, err
	}
	var nd nodeData
	if err := ipld.Unmarshal(data, &nd); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", c, err)
	}
	return &nd, nil
}

// expandKeys reconstructs the full leaf keys of a node from its
// prefix-compressed entries.
func (nd *nodeData) expandKeys() ([]string, error) {
	keys := make([]string, len(nd.Entries))
	prev := ""
	for i, e := range nd.Entries {
		if int(e.PrefixLen) > len(prev) {
			return nil, fmt.Errorf("entry %d: prefix length %d exceeds previous key %q", i, e.PrefixLen, prev)
		}
		key := prev[:e.PrefixLen] + string(e.KeySuffix)
		keys[i] = key
		prev = key
	}
	return keys, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
