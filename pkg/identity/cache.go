package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// cache is the two-table TTL cache in the service database, fronted by
// the resolver's LRU. The database is the serialization point; readers
// and the single writer per key coordinate through it.
type cache struct {
	db *sql.DB
}

// getHandle returns (did, found). A cached negative entry yields
// ErrNotFound; an expired or absent row yields found=false.
func (c *cache) getHandle(ctx context.Context, handle string) (string, bool, error) {
	var did string
	var negative int
	err := c.db.QueryRowContext(ctx, `
		SELECT did, negative FROM handle_cache
		WHERE handle = ? AND expires_at > ?`,
		handle, nowUTC()).Scan(&did, &negative)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("handle cache read: %w", err)
	}
	if negative != 0 {
		return "", true, ErrNotFound
	}
	return did, true, nil
}

func (c *cache) putHandle(ctx context.Context, handle, did string, ttl time.Duration, negative bool) error {
	neg := 0
	if negative {
		neg = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO handle_cache (handle, did, negative, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (handle) DO UPDATE SET did = excluded.did, negative = excluded.negative, expires_at = excluded.expires_at`,
		handle, did, neg, expiry(ttl))
	if err != nil {
		return fmt.Errorf("handle cache write: %w", err)
	}
	return nil
}

func (c *cache) getDoc(ctx context.Context, did string) ([]byte, bool, error) {
	var doc []byte
	var negative int
	err := c.db.QueryRowContext(ctx, `
		SELECT doc, negative FROM did_cache
		WHERE did = ? AND expires_at > ?`,
		did, nowUTC()).Scan(&doc, &negative)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("did cache read: %w", err)
	}
	if negative != 0 {
		return nil, true, ErrNotFound
	}
	return doc, true, nil
}

func (c *cache) putDoc(ctx context.Context, did string, doc []byte, ttl time.Duration, negative bool) error {
	neg := 0
	if negative {
		neg = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO did_cache (did, doc, negative, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET doc = excluded.doc, negative = excluded.negative, expires_at = excluded.expires_at`,
		did, doc, neg, expiry(ttl))
	if err != nil {
		return fmt.Errorf("did cache write: %w", err)
	}
	return nil
}

// invalidateHandle drops a handle entry, e.g. after a local handle change.
func (c *cache) invalidateHandle(ctx context.Context, handle string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM handle_cache WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("handle cache invalidate: %w", err)
	}
	return nil
}

func (c *cache) invalidateDoc(ctx context.Context, did string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM did_cache WHERE did = ?`, did); err != nil {
		return fmt.Errorf("did cache invalidate: %w", err)
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func expiry(ttl time.Duration) string {
	return time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
}
