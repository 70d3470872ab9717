// Package blobstore stores opaque binary objects addressed by the SHA-256
// CID of their bytes. Uploads are two-phase: a blob lands in a pending area
// keyed by CID and becomes permanent only when a record referencing it is
// committed. Orphaned pending blobs are reaped by a scheduled sweep.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
)

var (
	// ErrNotFound reports an absent blob.
	ErrNotFound = errors.New("blobstore: blob not found")
	// ErrCidMismatch reports bytes that do not digest to their claimed
	// CID. This is fatal for the upload; nothing is persisted.
	ErrCidMismatch = errors.New("blobstore: bytes do not match cid")
)

// Store is the backend contract shared by the disk and object-store
// implementations.
type Store interface {
	// PutPending stages bytes under their claimed CID, verifying the
	// digest. Re-staging an already-present CID is a no-op.
	PutPending(ctx context.Context, c cid.Cid, r io.Reader) error
	// Promote moves a pending blob to the permanent area. Promoting a
	// blob that is already permanent is a no-op.
	Promote(ctx context.Context, c cid.Cid) error
	// Get opens a permanent blob for reading.
	Get(ctx context.Context, c cid.Cid) (io.ReadCloser, error)
	// Exists reports whether a permanent blob is present.
	Exists(ctx context.Context, c cid.Cid) (bool, error)
	// Delete removes a permanent blob.
	Delete(ctx context.Context, c cid.Cid) error
	// SweepPending removes pending blobs staged before cutoff, returning
	// how many were reaped.
	SweepPending(ctx context.Context, cutoff time.Time) (int, error)
}

// Config selects and parameterizes a backend. The Backend field determines
// which of the other fields apply.
type Config struct {
	Backend string // "disk", "s3", or "memory"

	// Disk backend.
	DataDir string

	// S3 backend.
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "disk":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("blobstore: disk backend requires a data directory")
		}
		return NewDisk(cfg.DataDir)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("blobstore: s3 backend requires a bucket")
		}
		return NewS3(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
