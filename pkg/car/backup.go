package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
)

// ExportCompressed writes a zstd-compressed full-repository snapshot,
// the format `pdsd backup` produces.
func ExportCompressed(ctx context.Context, g Getter, commitCid cid.Cid, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := ExportRepo(ctx, g, commitCid, zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("backup: flush: %w", err)
	}
	return nil
}

// ImportCompressed restores a compressed snapshot into a block sink.
func ImportCompressed(ctx context.Context, r io.Reader, dst Putter) ([]cid.Cid, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("backup restore: %w", err)
	}
	defer zr.Close()
	return ImportInto(ctx, zr, dst)
}
