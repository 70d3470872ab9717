// Package car reads and writes CARv1 streams: a varint-length-prefixed
// CBOR header {version: 1, roots: [cid]} followed by sections of
// varint(len(cid)+len(data)) || cid || data. Blocks may appear in any
// order; the root names the commit.
package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// Header is the CARv1 stream header.
type Header struct {
	Version int64       `cbor:"version"`
	Roots   []ipld.Link `cbor:"roots"`
}

const supportedVersion = 1

// maxSectionSize bounds a single block section to keep a malformed stream
// from forcing a huge allocation.
const maxSectionSize = 8 << 20

// Writer emits a CAR stream, deduplicating blocks by CID.
type Writer struct {
	w       io.Writer
	written map[cid.Cid]struct{}
}

// NewWriter writes the header for a single-root archive and returns the
// block writer.
func NewWriter(w io.Writer, root cid.Cid) (*Writer, error) {
	hdr, err := ipld.Marshal(Header{Version: supportedVersion, Roots: []ipld.Link{ipld.NewLink(root)}})
	if err != nil {
		return nil, fmt.Errorf("car header: %w", err)
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(hdr)))); err != nil {
		return nil, fmt.Errorf("car header: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("car header: %w", err)
	}
	return &Writer{w: w, written: make(map[cid.Cid]struct{})}, nil
}

// WriteBlock appends one section. A CID already written is skipped.
func (cw *Writer) WriteBlock(c cid.Cid, data []byte) error {
	if _, ok := cw.written[c]; ok {
		return nil
	}
	cidBytes := c.Bytes()
	if _, err := cw.w.Write(varint.ToUvarint(uint64(len(cidBytes) + len(data)))); err != nil {
		return fmt.Errorf("car write %s: %w", c, err)
	}
	if _, err := cw.w.Write(cidBytes); err != nil {
		return fmt.Errorf("car write %s: %w", c, err)
	}
	if _, err := cw.w.Write(data); err != nil {
		return fmt.Errorf("car write %s: %w", c, err)
	}
	cw.written[c] = struct{}{}
	return nil
}

// Written reports how many distinct blocks have been emitted.
func (cw *Writer) Written() int {
	return len(cw.written)
}

// Reader consumes a CAR stream section by section.
type Reader struct {
	br    *bufio.Reader
	roots []cid.Cid
}

// NewReader parses the header and positions the reader at the first block.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	hdrLen, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("car read header: %w", err)
	}
	if hdrLen == 0 || hdrLen > maxSectionSize {
		return nil, fmt.Errorf("car read header: length %d out of range", hdrLen)
	}
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("car read header: %w", err)
	}
	var hdr Header
	if err := ipld.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("car read header: %w", err)
	}
	if hdr.Version != supportedVersion {
		return nil, fmt.Errorf("car read header: unsupported version %d", hdr.Version)
	}
	roots := make([]cid.Cid, len(hdr.Roots))
	for i, l := range hdr.Roots {
		roots[i] = l.Cid
	}
	return &Reader{br: br, roots: roots}, nil
}

// Roots returns the archive's root CIDs.
func (cr *Reader) Roots() []cid.Cid {
	return cr.roots
}

// Next returns the next block. io.EOF signals a clean end of stream. Each
// block's bytes are verified against its CID before being returned.
func (cr *Reader) Next() (cid.Cid, []byte, error) {
	sectionLen, err := varint.ReadUvarint(cr.br)
	if err == io.EOF {
		return cid.Undef, nil, io.EOF
	}
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("car read section: %w", err)
	}
	if sectionLen == 0 || sectionLen > maxSectionSize {
		return cid.Undef, nil, fmt.Errorf("car read section: length %d out of range", sectionLen)
	}
	section := make([]byte, sectionLen)
	if _, err := io.ReadFull(cr.br, section); err != nil {
		return cid.Undef, nil, fmt.Errorf("car read section: %w", err)
	}
	n, c, err := cid.CidFromBytes(section)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("car read section: parse cid: %w", err)
	}
	data := section[n:]
	if err := ipld.Verify(c, data); err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}
