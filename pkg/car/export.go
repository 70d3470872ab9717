package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/mst"
)

// Getter is the read surface exports need from block storage.
type Getter interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// commitShape decodes just the field exports need out of a commit block.
type commitShape struct {
	Data ipld.Link `cbor:"data"`
}

// ExportRepo streams the full reachable set of a repository: the HEAD
// commit, every MST node under it, and every record value. Blocks go to
// the writer as the walk reaches them, so memory stays proportional to the
// walk frontier, not the repository.
func ExportRepo(ctx context.Context, g Getter, commitCid cid.Cid, w io.Writer) error {
	commitBytes, err := g.Get(ctx, commitCid)
	if err != nil {
		return fmt.Errorf("export repo: read commit %s: %w", commitCid, err)
	}
	if err := ipld.Verify(commitCid, commitBytes); err != nil {
		return err
	}
	var commit commitShape
	if err := ipld.Unmarshal(commitBytes, &commit); err != nil {
		return fmt.Errorf("export repo: decode commit %s: %w", commitCid, err)
	}

	cw, err := NewWriter(w, commitCid)
	if err != nil {
		return err
	}
	if err := cw.WriteBlock(commitCid, commitBytes); err != nil {
		return err
	}

	return mst.WalkTree(ctx, g, commit.Data.Cid,
		func(b mst.Block) error {
			return cw.WriteBlock(b.Cid, b.Bytes)
		},
		func(_ string, val cid.Cid) error {
			recBytes, err := g.Get(ctx, val)
			if err != nil {
				return fmt.Errorf("export repo: read record %s: %w", val, err)
			}
			return cw.WriteBlock(val, recBytes)
		})
}

// Block pairs a CID with bytes for slice exports.
type Block struct {
	Cid   cid.Cid
	Bytes []byte
}

// ExportSlice writes a CAR containing exactly the given blocks, rooted at
// commitCid. Used for incremental sync (blocks introduced after a
// revision) and for the per-commit slices carried on firehose events.
func ExportSlice(root cid.Cid, blocks []Block, w io.Writer) error {
	cw, err := NewWriter(w, root)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := cw.WriteBlock(b.Cid, b.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// ImportInto drains a CAR stream into a block sink, returning the roots.
type Putter interface {
	Put(ctx context.Context, c cid.Cid, data []byte) error
}

func ImportInto(ctx context.Context, r io.Reader, dst Putter) ([]cid.Cid, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	for {
		c, data, err := cr.Next()
		if err == io.EOF {
			return cr.Roots(), nil
		}
		if err != nil {
			return nil, err
		}
		if err := dst.Put(ctx, c, data); err != nil {
			return nil, fmt.Errorf("car import %s: %w", c, err)
		}
	}
}
