package blobstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Disk stores blobs as files. Permanent blobs live under a two-character
// hex shard of the CID string to bound directory fanout; pending blobs sit
// flat in a tmp directory:
//
//	{root}/blobs/{shard}/{cid}
//	{root}/blobs/tmp/{cid}
type Disk struct {
	root string
}

// NewDisk creates a disk store rooted at dataDir.
func NewDisk(dataDir string) (*Disk, error) {
	root := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore disk: %w", err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) permanentPath(c cid.Cid) string {
	s := c.String()
	shard := s[len(s)-2:]
	return filepath.Join(d.root, shard, s)
}

func (d *Disk) pendingPath(c cid.Cid) string {
	return filepath.Join(d.root, "tmp", c.String())
}

// PutPending streams r to the pending area, hashing as it writes. The file
// only appears under its name once fully written and verified; a crash
// mid-write leaves at most an unreferenced temp file. Re-put of an
// already-staged CID still hashes the incoming bytes: a re-put claiming a
// staged CID with differing bytes must be rejected, never absorbed.
func (d *Disk) PutPending(_ context.Context, c cid.Cid, r io.Reader) error {
	dest := d.pendingPath(c)

	t, err := renameio.TempFile("", dest)
	if err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	defer t.Cleanup()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(t, h), r); err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	if err := verifyDigest(c, h.Sum(nil)); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	return nil
}

// verifyDigest checks a raw SHA-256 sum against the hash carried in c.
func verifyDigest(c cid.Cid, sum []byte) error {
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("blobstore put %s: decode multihash: %w", c, err)
	}
	if dec.Code != mh.SHA2_256 || string(dec.Digest) != string(sum) {
		return fmt.Errorf("blobstore put %s: %w", c, ErrCidMismatch)
	}
	return nil
}

// Promote renames the pending file into the sharded permanent area.
func (d *Disk) Promote(_ context.Context, c cid.Cid) error {
	dest := d.permanentPath(c)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(d.pendingPath(c))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("blobstore promote %s: %w", c, err)
	}
	if err := os.Rename(d.pendingPath(c), dest); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blobstore promote %s: %w", c, ErrNotFound)
		}
		return fmt.Errorf("blobstore promote %s: %w", c, err)
	}
	return nil
}

// Get opens a permanent blob. The caller owns the returned reader.
func (d *Disk) Get(_ context.Context, c cid.Cid) (io.ReadCloser, error) {
	f, err := os.Open(d.permanentPath(c))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore get %s: %w", c, ErrNotFound)
		}
		return nil, fmt.Errorf("blobstore get %s: %w", c, err)
	}
	return f, nil
}

func (d *Disk) Exists(_ context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(d.permanentPath(c))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("blobstore exists %s: %w", c, err)
}

func (d *Disk) Delete(_ context.Context, c cid.Cid) error {
	if err := os.Remove(d.permanentPath(c)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore delete %s: %w", c, err)
	}
	return nil
}

// SweepPending removes pending blobs whose files are older than cutoff.
func (d *Disk) SweepPending(_ context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, "tmp"))
	if err != nil {
		return 0, fmt.Errorf("blobstore sweep: %w", err)
	}
	reaped := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(d.root, "tmp", e.Name())); err == nil {
				reaped++
			}
		}
	}
	return reaped, nil
}
