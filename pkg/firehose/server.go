package firehose

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/sequencer"
)

// SlowPolicy selects what happens when a subscriber's buffer fills.
type SlowPolicy string

const (
	// PolicyDrop closes the subscriber with ConsumerTooSlow. The default:
	// the fast path never blocks on one slow consumer.
	PolicyDrop SlowPolicy = "drop"
	// PolicyRequery blocks this subscriber's producer until its buffer
	// drains, re-reading from the database to catch up afterward.
	PolicyRequery SlowPolicy = "requery"
)

// Config tunes the subscription server.
type Config struct {
	// BufferSize is each subscriber's in-memory frame buffer.
	BufferSize int
	// ChunkSize is the number of events read per backfill query.
	ChunkSize int
	// PingInterval is the keepalive cadence; a missed pong within
	// PingInterval + WriteTimeout drops the connection.
	PingInterval time.Duration
	// WriteTimeout bounds one socket write.
	WriteTimeout time.Duration
	// BackfillWindow is the cursor retention horizon. Cursors older get
	// an OutdatedCursor info frame and resume from the tail.
	BackfillWindow time.Duration
	// Policy for slow consumers.
	Policy SlowPolicy
	// BackfillOnly disables live fan-out; subscribers poll the log. A
	// degraded fallback mode.
	BackfillOnly bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:     256,
		ChunkSize:      500,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		BackfillWindow: 14 * 24 * time.Hour,
		Policy:         PolicyDrop,
	}
}

// Server multiplexes the event log onto WebSocket subscribers.
type Server struct {
	seq      *sequencer.Sequencer
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func New(seq *sequencer.Sequencer, cfg Config, log *logrus.Entry) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	return &Server{
		seq: seq,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			// Relays connect cross-origin by design.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleSubscribe upgrades the connection and runs the subscription until
// the client goes away or falls too far behind.
func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var cursor int64 = -1
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sub := &subscriber{
		srv:    s,
		conn:   conn,
		outbox: make(chan []byte, s.cfg.BufferSize),
		done:   make(chan struct{}),
	}
	sub.run(r.Context(), cursor)
}

// subscriber is one connected client: a producer filling a bounded outbox
// and a writer draining it to the socket.
type subscriber struct {
	srv    *Server
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

func (sub *subscriber) run(ctx context.Context, cursor int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sub.conn.Close()

	// Read pump: consumes pongs and client close frames.
	cfg := sub.srv.cfg
	readDeadline := cfg.PingInterval + cfg.WriteTimeout
	sub.conn.SetReadDeadline(time.Now().Add(readDeadline))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := sub.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer: drains the outbox; the ping ticker is the dead-man's
	// switch for unresponsive peers.
	go sub.writeLoop(ctx, cancel)

	if err := sub.produce(ctx, cursor); err != nil && !errors.Is(err, context.Canceled) {
		sub.srv.log.WithError(err).Debug("subscription ended")
	}
	cancel()
	<-sub.done
}

func (sub *subscriber) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer close(sub.done)
	defer cancel()
	ping := time.NewTicker(sub.srv.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case frame, ok := <-sub.outbox:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(sub.srv.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(sub.srv.cfg.WriteTimeout)
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues one frame, applying the slow-consumer policy when the
// buffer is full.
func (sub *subscriber) send(ctx context.Context, frame []byte) error {
	switch sub.srv.cfg.Policy {
	case PolicyRequery:
		select {
		case sub.outbox <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default: // PolicyDrop
		select {
		case sub.outbox <- frame:
			return nil
		default:
			sub.closeSlow()
			return errors.New("consumer too slow")
		}
	}
}

func (sub *subscriber) closeSlow() {
	deadline := time.Now().Add(sub.srv.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "ConsumerTooSlow")
	sub.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	sub.conn.Close()
}

// produce runs the backfill phase, cuts over to live notifications, then
// streams until the connection ends.
func (sub *subscriber) produce(ctx context.Context, cursor int64) error {
	cfg := sub.srv.cfg
	seq := sub.srv.seq

	current, err := sub.withRetry(ctx, func() (int64, error) { return seq.Current(ctx) })
	if err != nil {
		return err
	}

	switch {
	case cursor < 0:
		// No cursor: live tail only.
		cursor = current
	case cursor > current:
		frame, err := encodeError("FutureCursor", "cursor is ahead of the stream")
		if err != nil {
			return err
		}
		if err := sub.send(ctx, frame); err != nil {
			return err
		}
		return errors.New("future cursor")
	default:
		// A cursor older than the retention horizon cannot be backfilled
		// faithfully; tell the client and restart from the tail.
		earliest, ok, err := seq.EarliestInWindow(ctx, time.Now().Add(-cfg.BackfillWindow))
		if err != nil {
			return err
		}
		if ok && cursor < earliest-1 {
			frame, err := encodeInfo("OutdatedCursor", "requested cursor exceeded limit, resetting")
			if err != nil {
				return err
			}
			if err := sub.send(ctx, frame); err != nil {
				return err
			}
			cursor = current
		}
	}

	// Backfill until the tail.
	cursor, err = sub.drain(ctx, cursor)
	if err != nil {
		return err
	}

	if cfg.BackfillOnly {
		return sub.pollLoop(ctx, cursor)
	}

	// Cutover: subscribe first, then drain once more so nothing appended
	// between the last read and the subscription is missed.
	notify, cancelSub := seq.Subscribe()
	defer cancelSub()
	cursor, err = sub.drain(ctx, cursor)
	if err != nil {
		return err
	}

	for {
		select {
		case <-notify:
			cursor, err = sub.drain(ctx, cursor)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain reads and sends events after cursor until the log is exhausted,
// returning the new cursor.
func (sub *subscriber) drain(ctx context.Context, cursor int64) (int64, error) {
	for {
		events, err := sub.withRetryEvents(ctx, cursor)
		if err != nil {
			return cursor, err
		}
		for _, e := range events {
			frame, err := encodeEvent(e)
			if err != nil {
				// One undecodable row must not wedge the stream.
				sub.srv.log.WithError(err).WithField("seq", e.Seq).Error("skipping undecodable event")
				cursor = e.Seq
				continue
			}
			if err := sub.send(ctx, frame); err != nil {
				return cursor, err
			}
			cursor = e.Seq
		}
		if len(events) < sub.srv.cfg.ChunkSize {
			return cursor, nil
		}
	}
}

// pollLoop is the degraded backfill-only mode: periodic log reads, no
// live notifications.
func (sub *subscriber) pollLoop(ctx context.Context, cursor int64) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			var err error
			cursor, err = sub.drain(ctx, cursor)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// withRetry runs a log read with exponential backoff over transient
// database errors.
func (sub *subscriber) withRetry(ctx context.Context, fn func() (int64, error)) (int64, error) {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= 5 {
			return 0, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		backoff *= 2
	}
}

func (sub *subscriber) withRetryEvents(ctx context.Context, cursor int64) ([]sequencer.Event, error) {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		events, err := sub.srv.seq.RangeFrom(ctx, cursor, sub.srv.cfg.ChunkSize)
		if err == nil {
			return events, nil
		}
		if attempt >= 5 {
			return nil, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}
