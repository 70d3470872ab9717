// Package servicedb opens the shared service database (accounts,
// sessions, invites, the sequencer log, identity caches, and blob
// metadata) and carries the blob metadata index the repository engine
// consumes.
package servicedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/meridian-pds/meridian/pkg/repo"
	"github.com/meridian-pds/meridian/pkg/servicedb/migrations"
)

// DB wraps the service database connection.
type DB struct {
	*sql.DB
}

// Open opens the service database, configures the connection, and brings
// the schema to the latest version.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open service db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open service db: %s: %w", pragma, err)
		}
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open service db: %w", err)
	}
	return &DB{DB: db}, nil
}

// OpenMemory opens an in-memory instance for tests.
func OpenMemory() (*DB, error) {
	d, err := Open(":memory:")
	if err != nil {
		return nil, err
	}
	// A pool of connections would each see their own empty :memory: db.
	d.SetMaxOpenConns(1)
	return d, nil
}

// AddPendingBlob records upload metadata for a staged blob. Re-uploading
// the same CID refreshes the row.
func (d *DB) AddPendingBlob(ctx context.Context, did string, c cid.Cid, mimeType string, size int64) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO blob (did, cid, mime_type, size, pending, created_at) VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (did, cid) DO UPDATE SET mime_type = excluded.mime_type, size = excluded.size`,
		did, c.String(), mimeType, size, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add pending blob: %w", err)
	}
	return nil
}

// BlobState implements repo.BlobIndex.
func (d *DB) BlobState(ctx context.Context, did string, c cid.Cid) (repo.BlobState, error) {
	var pending int
	err := d.QueryRowContext(ctx, `SELECT pending FROM blob WHERE did = ? AND cid = ?`, did, c.String()).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.BlobMissing, nil
	}
	if err != nil {
		return repo.BlobMissing, fmt.Errorf("blob state: %w", err)
	}
	if pending != 0 {
		return repo.BlobPending, nil
	}
	return repo.BlobPermanent, nil
}

// CommitBlobRefs implements repo.BlobIndex: the referenced blobs become
// permanent and the record→blob edges are recorded.
func (d *DB) CommitBlobRefs(ctx context.Context, did, recordUri string, cids []cid.Cid) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit blob refs: %w", err)
	}
	defer tx.Rollback()
	for _, c := range cids {
		if _, err := tx.ExecContext(ctx, `UPDATE blob SET pending = 0 WHERE did = ? AND cid = ?`, did, c.String()); err != nil {
			return fmt.Errorf("commit blob refs: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO blob_ref (did, record_uri, blob_cid) VALUES (?, ?, ?)`,
			did, recordUri, c.String())
		if err != nil {
			return fmt.Errorf("commit blob refs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit blob refs: %w", err)
	}
	return nil
}

// BlobMeta is the stored metadata of one blob.
type BlobMeta struct {
	Cid       string
	MimeType  string
	Size      int64
	Pending   bool
	CreatedAt time.Time
}

// GetBlobMeta returns metadata for a blob owned by did.
func (d *DB) GetBlobMeta(ctx context.Context, did string, c cid.Cid) (*BlobMeta, error) {
	var m BlobMeta
	var pending int
	var createdAt string
	err := d.QueryRowContext(ctx,
		`SELECT cid, mime_type, size, pending, created_at FROM blob WHERE did = ? AND cid = ?`,
		did, c.String()).Scan(&m.Cid, &m.MimeType, &m.Size, &pending, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get blob meta: %w", err)
	}
	m.Pending = pending != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}

// SweepPendingBlobs drops metadata rows for pending blobs staged before
// the cutoff, mirroring the blobstore's own pending sweep.
func (d *DB) SweepPendingBlobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.ExecContext(ctx,
		`DELETE FROM blob WHERE pending = 1 AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sweep pending blobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
