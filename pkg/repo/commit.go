// Package repo is the repository engine: it applies batched record writes
// atomically, produces signed commits over the MST root, persists the new
// blocks, advances HEAD, and hands the commit event to the sequencer.
package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/keys"
)

// CommitVersion is the repository format version carried in every commit.
const CommitVersion = 3

// Commit is the signed object at the head of a repository. Sig covers the
// canonical CBOR encoding of the object with the sig field absent.
type Commit struct {
	Did     string     `cbor:"did"`
	Version int64      `cbor:"version"`
	Prev    *ipld.Link `cbor:"prev"`
	Data    ipld.Link  `cbor:"data"`
	Rev     string     `cbor:"rev"`
	Sig     []byte     `cbor:"sig,omitempty"`
}

// SigningPayload returns the canonical bytes that are signed: the commit
// with its signature stripped.
func (c *Commit) SigningPayload() ([]byte, error) {
	unsigned := *c
	unsigned.Sig = nil
	return ipld.Marshal(&unsigned)
}

// Sign computes the signature over the unsigned encoding and attaches it.
func (c *Commit) Sign(signer keys.Signer) error {
	payload, err := c.SigningPayload()
	if err != nil {
		return fmt.Errorf("sign commit: %w", err)
	}
	sig, err := signer.Sign(keys.Digest(payload))
	if err != nil {
		return fmt.Errorf("sign commit: %w", err)
	}
	c.Sig = sig
	return nil
}

// Encode returns the signed commit's canonical bytes and CID.
func (c *Commit) Encode() ([]byte, cid.Cid, error) {
	if len(c.Sig) == 0 {
		return nil, cid.Undef, fmt.Errorf("encode commit: unsigned")
	}
	return ipld.MarshalAndCid(c)
}

// DecodeCommit parses and integrity-checks a stored commit block.
func DecodeCommit(c cid.Cid, data []byte) (*Commit, error) {
	if err := ipld.Verify(c, data); err != nil {
		return nil, err
	}
	var commit Commit
	if err := ipld.Unmarshal(data, &commit); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", c, err)
	}
	if commit.Version != CommitVersion {
		return nil, fmt.Errorf("decode commit %s: unsupported version %d", c, commit.Version)
	}
	return &commit, nil
}
