// Package firehose streams sequencer events to WebSocket subscribers:
// historical replay from a cursor, then live fan-out with per-subscriber
// backpressure.
package firehose

import (
	"bytes"
	"fmt"
	"time"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/sequencer"
)

// Frame ops. A frame is two concatenated CBOR objects: the header
// {op, t?} and the payload selected by t.
const (
	opEvent = 1
	opError = -1
)

const (
	typeCommit   = "#commit"
	typeIdentity = "#identity"
	typeAccount  = "#account"
	typeInfo     = "#info"
)

type frameHeader struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

// CommitFrame is the wire payload of a #commit event.
type CommitFrame struct {
	Seq    int64                `cbor:"seq"`
	Rebase bool                 `cbor:"rebase"`
	TooBig bool                 `cbor:"tooBig"`
	Repo   string               `cbor:"repo"`
	Commit string               `cbor:"commit"`
	Prev   *string              `cbor:"prev"`
	Rev    string               `cbor:"rev"`
	Since  *string              `cbor:"since"`
	Blocks []byte               `cbor:"blocks"`
	Ops    []sequencer.CommitOp `cbor:"ops"`
	Time   string               `cbor:"time"`
}

// IdentityFrame is the wire payload of an #identity event.
type IdentityFrame struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Handle *string `cbor:"handle"`
	Time   string  `cbor:"time"`
}

// AccountFrame is the wire payload of an #account event.
type AccountFrame struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status"`
	Time   string  `cbor:"time"`
}

// InfoFrame is an advisory message, e.g. OutdatedCursor.
type InfoFrame struct {
	Name    string  `cbor:"name"`
	Message *string `cbor:"message"`
}

// ErrorFrame terminates a subscription with a named error.
type ErrorFrame struct {
	Error   string  `cbor:"error"`
	Message *string `cbor:"message"`
}

func encodeFrame(op int64, t string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	hdr, err := ipld.Marshal(frameHeader{Op: op, T: t})
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}
	body, err := ipld.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame payload: %w", err)
	}
	buf.Write(hdr)
	buf.Write(body)
	return buf.Bytes(), nil
}

// encodeEvent maps one sequencer row to its wire frame.
func encodeEvent(e sequencer.Event) ([]byte, error) {
	ts := e.SequencedAt.UTC().Format(time.RFC3339Nano)
	switch e.Type {
	case sequencer.EvtCommit:
		evt, err := e.DecodeCommit()
		if err != nil {
			return nil, err
		}
		return encodeFrame(opEvent, typeCommit, CommitFrame{
			Seq:    e.Seq,
			Repo:   evt.Repo,
			Commit: evt.Commit,
			Prev:   evt.Prev,
			Rev:    evt.Rev,
			Since:  evt.Since,
			Blocks: evt.Blocks,
			Ops:    evt.Ops,
			Time:   ts,
		})
	case sequencer.EvtIdentity:
		evt, err := e.DecodeIdentity()
		if err != nil {
			return nil, err
		}
		return encodeFrame(opEvent, typeIdentity, IdentityFrame{
			Seq:    e.Seq,
			Did:    evt.Did,
			Handle: evt.Handle,
			Time:   ts,
		})
	case sequencer.EvtAccount:
		evt, err := e.DecodeAccount()
		if err != nil {
			return nil, err
		}
		return encodeFrame(opEvent, typeAccount, AccountFrame{
			Seq:    e.Seq,
			Did:    evt.Did,
			Active: evt.Active,
			Status: evt.Status,
			Time:   ts,
		})
	default:
		return nil, fmt.Errorf("encode event %d: unknown type %q", e.Seq, e.Type)
	}
}

func encodeInfo(name, message string) ([]byte, error) {
	var msg *string
	if message != "" {
		msg = &message
	}
	return encodeFrame(opEvent, typeInfo, InfoFrame{Name: name, Message: msg})
}

func encodeError(name, message string) ([]byte, error) {
	var msg *string
	if message != "" {
		msg = &message
	}
	return encodeFrame(opError, "", ErrorFrame{Error: name, Message: msg})
}

// DecodeFrame splits a received message back into header and raw payload.
// Exported for consumers and tests.
func DecodeFrame(data []byte) (op int64, t string, payload []byte, err error) {
	var hdr frameHeader
	rest, err := ipld.UnmarshalFirst(data, &hdr)
	if err != nil {
		return 0, "", nil, fmt.Errorf("decode frame header: %w", err)
	}
	return hdr.Op, hdr.T, rest, nil
}
