package sequencer

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func testSequencer(t *testing.T) *Sequencer {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Single connection so :memory: is shared across the pool.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE repo_seq (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			did TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event BLOB NOT NULL,
			invalidated INTEGER NOT NULL DEFAULT 0,
			sequenced_at TEXT NOT NULL
		)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(db, logrus.NewEntry(log))
}

func commitEvt(did, commit string) CommitEvt {
	return CommitEvt{
		Repo:   did,
		Commit: commit,
		Rev:    "3aaaaaaaaaaa2a",
		Time:   "2025-01-01T00:00:00Z",
	}
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := s.Append(ctx, "did:web:a.test", EvtCommit, commitEvt("did:web:a.test", "bafy1"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq %d not greater than previous %d", seq, last)
		}
		last = seq
	}

	cur, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur != last {
		t.Errorf("Current: got %d, want %d", cur, last)
	}
}

func TestRangeFromOrderAndCursor(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, "did:web:a.test", EvtCommit, commitEvt("did:web:a.test", "bafy")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.RangeFrom(ctx, 3, 100)
	if err != nil {
		t.Fatalf("RangeFrom: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("got %d events, want 7", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(4+i) {
			t.Errorf("event %d: seq %d, want %d", i, e.Seq, 4+i)
		}
	}

	// Payload decodes back.
	evt, err := events[0].DecodeCommit()
	if err != nil {
		t.Fatalf("DecodeCommit: %v", err)
	}
	if evt.Repo != "did:web:a.test" {
		t.Errorf("decoded repo: %q", evt.Repo)
	}
}

func TestConcurrentAppendsStrictOrder(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, "did:web:w.test", EvtCommit, commitEvt("did:web:w.test", "bafy")); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.RangeFrom(ctx, 0, DefaultQueryLimit)
	if err != nil {
		t.Fatalf("RangeFrom: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("got %d events, want %d", len(events), writers*perWriter)
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].Seq >= events[i].Seq {
			t.Fatalf("seq order violated at %d", i)
		}
	}
}

func TestSubscribeSignalsAfterDurableAppend(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	ch, cancel := s.Subscribe()
	defer cancel()

	seq, err := s.Append(ctx, "did:web:a.test", EvtAccount, AccountEvt{Did: "did:web:a.test", Active: true, Time: "2025-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case got := <-ch:
		if got != seq {
			t.Errorf("signal: got %d, want %d", got, seq)
		}
		// The event must already be readable.
		events, err := s.RangeFrom(ctx, got-1, 1)
		if err != nil || len(events) != 1 {
			t.Errorf("signalled event not durably readable: %v %d", err, len(events))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live signal received")
	}
}

func TestInvalidateFilteredFromReads(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	if _, err := s.Append(ctx, "did:web:gone.test", EvtCommit, commitEvt("did:web:gone.test", "bafy")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, "did:web:stays.test", EvtCommit, commitEvt("did:web:stays.test", "bafy")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := s.InvalidateFor(ctx, "did:web:gone.test")
	if err != nil {
		t.Fatalf("InvalidateFor: %v", err)
	}
	if n != 1 {
		t.Errorf("invalidated %d rows, want 1", n)
	}

	events, err := s.RangeFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("RangeFrom: %v", err)
	}
	if len(events) != 1 || events[0].Did != "did:web:stays.test" {
		t.Errorf("invalidated event leaked into reads: %+v", events)
	}

	// Sweep removes the invalidated row entirely.
	pruned, err := s.SweepInvalidated(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepInvalidated: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d rows, want 1", pruned)
	}
}

func TestLatestCommit(t *testing.T) {
	ctx := context.Background()
	s := testSequencer(t)

	if _, _, err := s.LatestCommit(ctx, "did:web:a.test"); err != nil {
		t.Fatalf("LatestCommit empty: %v", err)
	}

	first := commitEvt("did:web:a.test", "bafy-first")
	second := commitEvt("did:web:a.test", "bafy-second")
	if _, err := s.Append(ctx, "did:web:a.test", EvtCommit, first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, "did:web:a.test", EvtCommit, second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	evt, ok, err := s.LatestCommit(ctx, "did:web:a.test")
	if err != nil || !ok {
		t.Fatalf("LatestCommit: %v %v", ok, err)
	}
	if evt.Commit != "bafy-second" {
		t.Errorf("latest commit: %q", evt.Commit)
	}
}
