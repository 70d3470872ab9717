// Package blockstore persists the CBOR blocks of one repository: MST nodes,
// commits, and record values, keyed by CID and grouped by the revision that
// introduced them. It also carries the repository HEAD row and the record
// index. The store is strictly a cache of CID → bytes; reachability is the
// repository engine's concern.
package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/meridian-pds/meridian/pkg/ipld"
)

var (
	// ErrNotFound reports an absent block, record, or uninitialized HEAD.
	ErrNotFound = errors.New("blockstore: not found")
	// ErrStaleRoot reports a HEAD compare-and-swap failure: the stored
	// root no longer matches what the writer loaded.
	ErrStaleRoot = errors.New("blockstore: head changed underneath writer")
)

// Block pairs a CID with its stored bytes.
type Block struct {
	Cid   cid.Cid
	Bytes []byte
}

// Record is one row of the record index.
type Record struct {
	Uri        string
	Cid        cid.Cid
	Collection string
	Rkey       string
	RepoRev    string
	IndexedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS repo_root (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  cid TEXT NOT NULL,
  rev TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS repo_block (
  cid TEXT PRIMARY KEY,
  repo_rev TEXT NOT NULL,
  size INTEGER NOT NULL,
  content BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS repo_block_rev_idx ON repo_block (repo_rev);

CREATE TABLE IF NOT EXISTS record (
  uri TEXT PRIMARY KEY,
  cid TEXT NOT NULL,
  collection TEXT NOT NULL,
  rkey TEXT NOT NULL,
  repo_rev TEXT NOT NULL,
  indexed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS record_collection_idx ON record (collection, rkey);
`

const readCacheSize = 2048

// Store is the block store of a single repository, backed by one SQLite
// file. Reads go through a small LRU so MST walks do not hit disk for hot
// upper-tree nodes.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, []byte]
}

// Open opens (creating if needed) a per-repository store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open block store: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open block store: create schema: %w", err)
	}
	cache, err := lru.New[string, []byte](readCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open block store: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the bytes stored under c, verifying them against the CID
// before they are handed out.
func (s *Store) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	key := c.String()
	if b, ok := s.cache.Get(key); ok {
		return b, nil
	}
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM repo_block WHERE cid = ?`, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get block %s: %w", c, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", c, err)
	}
	if err := ipld.Verify(c, content); err != nil {
		return nil, err
	}
	s.cache.Add(key, content)
	return content, nil
}

// Has reports whether a block is present, without reading its content.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if s.cache.Contains(c.String()) {
		return true, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM repo_block WHERE cid = ?`, c.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has block %s: %w", c, err)
	}
	return true, nil
}

// GetMany returns the subset of cids that are present, mapped to their
// bytes. Absent CIDs are simply missing from the result.
func (s *Store) GetMany(ctx context.Context, cids []cid.Cid) (map[cid.Cid][]byte, error) {
	out := make(map[cid.Cid][]byte, len(cids))
	for _, c := range cids {
		b, err := s.Get(ctx, c)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[c] = b
	}
	return out, nil
}

// BlocksSince returns every block whose introducing revision is strictly
// greater than rev, in revision order. An empty rev returns all blocks.
func (s *Store) BlocksSince(ctx context.Context, rev string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, content FROM repo_block WHERE repo_rev > ? ORDER BY repo_rev ASC, cid ASC`, rev)
	if err != nil {
		return nil, fmt.Errorf("blocks since %q: %w", rev, err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var cs string
		var content []byte
		if err := rows.Scan(&cs, &content); err != nil {
			return nil, fmt.Errorf("blocks since %q: scan: %w", rev, err)
		}
		c, err := ipld.ParseCid(cs)
		if err != nil {
			return nil, err
		}
		out = append(out, Block{Cid: c, Bytes: content})
	}
	return out, rows.Err()
}

// Root returns the repository HEAD. ErrNotFound means the repository has
// not been initialized.
func (s *Store) Root(ctx context.Context) (cid.Cid, string, error) {
	var cs, rev string
	err := s.db.QueryRowContext(ctx, `SELECT cid, rev FROM repo_root WHERE id = 1`).Scan(&cs, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return cid.Undef, "", ErrNotFound
	}
	if err != nil {
		return cid.Undef, "", fmt.Errorf("read root: %w", err)
	}
	c, err := ipld.ParseCid(cs)
	if err != nil {
		return cid.Undef, "", err
	}
	return c, rev, nil
}

// CommitData is everything one signed commit changes, applied atomically:
// the new blocks, the HEAD advance, and the record index mutations. Swap
// enforcement happens inside the same transaction so block presence and
// HEAD are observed together.
type CommitData struct {
	Cid     cid.Cid
	Rev     string
	Blocks  []Block
	Puts    []Record
	Deletes []string // record URIs
	// ExpectRoot is the commit CID HEAD must still hold; undefined for
	// genesis, where no HEAD row may exist yet.
	ExpectRoot cid.Cid
}

// ApplyCommit persists a commit in a single transaction. Returns
// ErrStaleRoot when HEAD no longer matches ExpectRoot.
func (s *Store) ApplyCommit(ctx context.Context, data *CommitData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply commit: begin: %w", err)
	}
	defer tx.Rollback()

	var curCid string
	err = tx.QueryRowContext(ctx, `SELECT cid FROM repo_root WHERE id = 1`).Scan(&curCid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if data.ExpectRoot.Defined() {
			return fmt.Errorf("apply commit: expected root %s on uninitialized repo: %w", data.ExpectRoot, ErrStaleRoot)
		}
	case err != nil:
		return fmt.Errorf("apply commit: read root: %w", err)
	default:
		if !data.ExpectRoot.Defined() || curCid != data.ExpectRoot.String() {
			return fmt.Errorf("apply commit: head is %s: %w", curCid, ErrStaleRoot)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)

	blockIns, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO repo_block (cid, repo_rev, size, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("apply commit: prepare: %w", err)
	}
	defer blockIns.Close()
	for _, b := range data.Blocks {
		if _, err := blockIns.ExecContext(ctx, b.Cid.String(), data.Rev, len(b.Bytes), b.Bytes); err != nil {
			return fmt.Errorf("apply commit: insert block %s: %w", b.Cid, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repo_root (id, cid, rev, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET cid = excluded.cid, rev = excluded.rev, updated_at = excluded.updated_at`,
		data.Cid.String(), data.Rev, now)
	if err != nil {
		return fmt.Errorf("apply commit: advance root: %w", err)
	}

	for _, r := range data.Puts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO record (uri, cid, collection, rkey, repo_rev, indexed_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (uri) DO UPDATE SET cid = excluded.cid, repo_rev = excluded.repo_rev, indexed_at = excluded.indexed_at`,
			r.Uri, r.Cid.String(), r.Collection, r.Rkey, data.Rev, now)
		if err != nil {
			return fmt.Errorf("apply commit: index record %s: %w", r.Uri, err)
		}
	}
	for _, uri := range data.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record WHERE uri = ?`, uri); err != nil {
			return fmt.Errorf("apply commit: delete record %s: %w", uri, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply commit: commit: %w", err)
	}
	for _, b := range data.Blocks {
		s.cache.Add(b.Cid.String(), b.Bytes)
	}
	return nil
}

// GetRecord returns the record index row for an AT-URI.
func (s *Store) GetRecord(ctx context.Context, uri string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uri, cid, collection, rkey, repo_rev, indexed_at FROM record WHERE uri = ?`, uri)
	return scanRecord(row)
}

// ListRecords pages through a collection in rkey order. A non-empty cursor
// resumes after that rkey; reverse flips the order.
func (s *Store) ListRecords(ctx context.Context, collection string, limit int, cursor string, reverse bool) ([]Record, error) {
	q := `SELECT uri, cid, collection, rkey, repo_rev, indexed_at FROM record WHERE collection = ?`
	args := []any{collection}
	if cursor != "" {
		if reverse {
			q += ` AND rkey < ?`
		} else {
			q += ` AND rkey > ?`
		}
		args = append(args, cursor)
	}
	if reverse {
		q += ` ORDER BY rkey DESC LIMIT ?`
	} else {
		q += ` ORDER BY rkey ASC LIMIT ?`
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListCollections returns the distinct collection NSIDs present.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM record ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("list collections: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneExcept deletes every block not named in keep (CID strings). Used by
// the GC pass after a reachability walk from HEAD.
func (s *Store) PruneExcept(ctx context.Context, keep map[string]struct{}) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cid FROM repo_block`)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	var victims []string
	for rows.Next() {
		var cs string
		if err := rows.Scan(&cs); err != nil {
			rows.Close()
			return 0, fmt.Errorf("prune: scan: %w", err)
		}
		if _, ok := keep[cs]; !ok {
			victims = append(victims, cs)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin: %w", err)
	}
	defer tx.Rollback()
	for _, cs := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM repo_block WHERE cid = ?`, cs); err != nil {
			return 0, fmt.Errorf("prune: delete %s: %w", cs, err)
		}
		s.cache.Remove(cs)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: commit: %w", err)
	}
	return len(victims), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRecordFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(r rowScanner) (*Record, error) {
	var rec Record
	var cs, indexedAt string
	if err := r.Scan(&rec.Uri, &cs, &rec.Collection, &rec.Rkey, &rec.RepoRev, &indexedAt); err != nil {
		return nil, err
	}
	c, err := ipld.ParseCid(cs)
	if err != nil {
		return nil, err
	}
	rec.Cid = c
	if t, err := time.Parse(time.RFC3339, indexedAt); err == nil {
		rec.IndexedAt = t
	}
	return &rec, nil
}
