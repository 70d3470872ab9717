package firehose

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/sequencer"
)

func testSeq(t *testing.T) (*sequencer.Sequencer, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
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
		t.Fatalf("create repo_seq: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return sequencer.New(db, logrus.NewEntry(log)), db
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(log)
}

func appendCommit(t *testing.T, seq *sequencer.Sequencer, did string, blocks []byte) int64 {
	t.Helper()
	n, err := seq.Append(context.Background(), did, sequencer.EvtCommit, sequencer.CommitEvt{
		Repo:   did,
		Commit: "bafyreigcommit",
		Rev:    "3aaaaaaaaaaa2a",
		Blocks: blocks,
		Ops:    []sequencer.CommitOp{},
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return n
}

func startServer(t *testing.T, seq *sequencer.Sequencer, cfg Config) string {
	t.Helper()
	srv := New(seq, cfg, quietLog())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleSubscribe))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, cursor int64) *websocket.Conn {
	t.Helper()
	if cursor >= 0 {
		url += "?cursor=" + strconv.FormatInt(cursor, 10)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readCommitFrame(t *testing.T, conn *websocket.Conn) *CommitFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	op, typ, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if op != opEvent || typ != typeCommit {
		t.Fatalf("frame op=%d t=%q, want event #commit", op, typ)
	}
	var frame CommitFrame
	if err := ipld.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode commit frame: %v", err)
	}
	return &frame
}

func TestBackfillThenLiveContinuity(t *testing.T) {
	seq, _ := testSeq(t)
	for i := 0; i < 5; i++ {
		appendCommit(t, seq, "did:web:a.test", nil)
	}

	url := startServer(t, seq, DefaultConfig())
	conn := dial(t, url, 0)

	// Backfill delivers 1..5 in order.
	for want := int64(1); want <= 5; want++ {
		frame := readCommitFrame(t, conn)
		if frame.Seq != want {
			t.Fatalf("backfill seq %d, want %d", frame.Seq, want)
		}
	}

	// A live append arrives next, exactly once, with no gap.
	live := appendCommit(t, seq, "did:web:a.test", nil)
	frame := readCommitFrame(t, conn)
	if frame.Seq != live {
		t.Fatalf("live seq %d, want %d", frame.Seq, live)
	}
}

func TestResumeFromCursorNoDuplicates(t *testing.T) {
	seq, _ := testSeq(t)
	for i := 0; i < 8; i++ {
		appendCommit(t, seq, "did:web:a.test", nil)
	}

	url := startServer(t, seq, DefaultConfig())
	conn := dial(t, url, 5)

	for want := int64(6); want <= 8; want++ {
		frame := readCommitFrame(t, conn)
		if frame.Seq != want {
			t.Fatalf("resume seq %d, want %d", frame.Seq, want)
		}
	}
}

func TestNoCursorStartsAtTail(t *testing.T) {
	seq, _ := testSeq(t)
	for i := 0; i < 3; i++ {
		appendCommit(t, seq, "did:web:a.test", nil)
	}

	url := startServer(t, seq, DefaultConfig())
	conn := dial(t, url, -1)

	live := appendCommit(t, seq, "did:web:a.test", nil)
	frame := readCommitFrame(t, conn)
	if frame.Seq != live {
		t.Fatalf("tail subscription got seq %d, want %d", frame.Seq, live)
	}
}

func TestOutdatedCursorInfoFrame(t *testing.T) {
	seq, db := testSeq(t)
	// One event far outside the retention window, then fresh ones.
	old := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO repo_seq (did, event_type, event, invalidated, sequenced_at) VALUES (?, ?, ?, 0, ?)`,
		"did:web:old.test", "commit", []byte{0xa0}, old); err != nil {
		t.Fatalf("insert old row: %v", err)
	}
	for i := 0; i < 3; i++ {
		appendCommit(t, seq, "did:web:a.test", nil)
	}

	cfg := DefaultConfig()
	cfg.BackfillWindow = time.Hour
	url := startServer(t, seq, cfg)
	conn := dial(t, url, 0)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	_, typ, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if typ != typeInfo {
		t.Fatalf("first frame type %q, want #info", typ)
	}
	var info InfoFrame
	if err := ipld.Unmarshal(payload, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != "OutdatedCursor" {
		t.Errorf("info name %q", info.Name)
	}
}

func TestFutureCursorErrorFrame(t *testing.T) {
	seq, _ := testSeq(t)
	appendCommit(t, seq, "did:web:a.test", nil)

	url := startServer(t, seq, DefaultConfig())
	conn := dial(t, url, 999)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	op, _, payload, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if op != opError {
		t.Fatalf("frame op %d, want error", op)
	}
	var ef ErrorFrame
	if err := ipld.Unmarshal(payload, &ef); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if ef.Error != "FutureCursor" {
		t.Errorf("error name %q", ef.Error)
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	seq, _ := testSeq(t)

	cfg := DefaultConfig()
	cfg.BufferSize = 1
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.PingInterval = time.Hour // keep pings out of the picture
	url := startServer(t, seq, cfg)

	conn := dial(t, url, -1)

	// Flood with large events while the client refuses to read; the
	// bounded buffer fills and the server must drop us.
	big := make([]byte, 256<<10)
	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < 200 && time.Now().Before(deadline); i++ {
		appendCommit(t, seq, "did:web:flood.test", big)
	}

	// Now read: we expect to eventually hit the policy-violation close.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return // dropped as ConsumerTooSlow
			}
			// Abrupt close is acceptable too; the server tore us down.
			return
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	handle := "alice.test"
	frame, err := encodeFrame(opEvent, typeIdentity, IdentityFrame{
		Seq:    7,
		Did:    "did:web:alice.test",
		Handle: &handle,
		Time:   "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	op, typ, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if op != opEvent || typ != typeIdentity {
		t.Fatalf("header: op=%d t=%q", op, typ)
	}
	var out IdentityFrame
	if err := ipld.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.Seq != 7 || out.Did != "did:web:alice.test" || out.Handle == nil || *out.Handle != handle {
		t.Errorf("payload: %+v", out)
	}
}
