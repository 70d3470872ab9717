package sequencer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// DefaultQueryLimit caps a single range read.
const DefaultQueryLimit = 1000

// Sequencer owns the repo_seq table of the service database. Appends are
// serialized under a mutex so the insertion order concurrent writers
// observe is exactly the order readers will see.
type Sequencer struct {
	db  *sql.DB
	log *logrus.Entry

	appendMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan int64]struct{}
}

// New wraps the service database. The repo_seq table must already exist
// (service DB migrations create it).
func New(db *sql.DB, log *logrus.Entry) *Sequencer {
	return &Sequencer{
		db:   db,
		log:  log,
		subs: make(map[chan int64]struct{}),
	}
}

// Append encodes and durably inserts one event, returning its sequence
// number. Subscribers are signalled only after the insert has committed,
// so no reader can race ahead of disk.
func (s *Sequencer) Append(ctx context.Context, did string, typ EventType, payload any) (int64, error) {
	body, err := ipld.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("sequence %s event: %w", typ, err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repo_seq (did, event_type, event, invalidated, sequenced_at) VALUES (?, ?, ?, 0, ?)`,
		did, string(typ), body, now)
	if err != nil {
		return 0, fmt.Errorf("sequence %s event for %s: %w", typ, did, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sequence %s event for %s: %w", typ, did, err)
	}

	s.notify(seq)
	return seq, nil
}

// notify wakes subscribers with the newest seq. Channels are small and
// coalescing: a full channel is skipped, the subscriber will catch up from
// the database on its next read.
func (s *Sequencer) notify(seq int64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- seq:
		default:
		}
	}
}

// Subscribe registers a live notification channel. The returned cancel
// must be called when the subscriber goes away.
func (s *Sequencer) Subscribe() (<-chan int64, func()) {
	ch := make(chan int64, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Current returns the largest assigned seq, or 0 when the log is empty.
func (s *Sequencer) Current(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM repo_seq`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("current seq: %w", err)
	}
	return seq.Int64, nil
}

// RangeFrom reads events with seq > cursor that have not been invalidated,
// in seq order, up to limit rows.
func (s *Sequencer) RangeFrom(ctx context.Context, cursor int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > DefaultQueryLimit {
		limit = DefaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, did, event_type, event, sequenced_at
		FROM repo_seq
		WHERE seq > ? AND invalidated = 0
		ORDER BY seq ASC
		LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("range from %d: %w", cursor, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ, at string
		if err := rows.Scan(&e.Seq, &e.Did, &typ, &e.Payload, &at); err != nil {
			return nil, fmt.Errorf("range from %d: scan: %w", cursor, err)
		}
		e.Type = EventType(typ)
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.SequencedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EarliestInWindow returns the smallest seq sequenced at or after the
// cutoff, with ok=false when no event falls inside the window. Cursors
// older than this are outdated: the retention horizon has passed them by.
func (s *Sequencer) EarliestInWindow(ctx context.Context, cutoff time.Time) (int64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM repo_seq WHERE sequenced_at >= ?`,
		cutoff.UTC().Format(time.RFC3339Nano)).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("earliest in window: %w", err)
	}
	return seq.Int64, seq.Valid, nil
}

// LatestCommit returns the most recent non-invalidated commit event for a
// DID, or ok=false when none exists. The reconciliation sweep compares
// this against repository HEAD.
func (s *Sequencer) LatestCommit(ctx context.Context, did string) (*CommitEvt, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event FROM repo_seq
		WHERE did = ? AND event_type = ? AND invalidated = 0
		ORDER BY seq DESC LIMIT 1`, did, string(EvtCommit)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest commit for %s: %w", did, err)
	}
	var evt CommitEvt
	if err := ipld.Unmarshal(payload, &evt); err != nil {
		return nil, false, fmt.Errorf("latest commit for %s: %w", did, err)
	}
	return &evt, true, nil
}

// InvalidateFor marks every event of a DID invalidated. Rows stay for
// audit but disappear from reads.
func (s *Sequencer) InvalidateFor(ctx context.Context, did string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE repo_seq SET invalidated = 1 WHERE did = ?`, did)
	if err != nil {
		return 0, fmt.Errorf("invalidate events for %s: %w", did, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepInvalidated deletes invalidated rows sequenced before the cutoff.
func (s *Sequencer) SweepInvalidated(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM repo_seq WHERE invalidated = 1 AND sequenced_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sweep invalidated: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.WithField("pruned", n).Info("pruned invalidated events")
	}
	return n, nil
}
