// Package sequencer appends repository events into a durable, globally
// ordered log and notifies live subscribers. The autoincrement seq column
// is the only total order the system exposes.
package sequencer

import (
	"fmt"
	"time"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// EventType tags a log row.
type EventType string

const (
	EvtCommit   EventType = "commit"
	EvtIdentity EventType = "identity"
	EvtAccount  EventType = "account"
)

// CommitOp is one record operation inside a commit event.
type CommitOp struct {
	Action string  `cbor:"action"` // create, update, delete
	Path   string  `cbor:"path"`   // collection/rkey
	Cid    *string `cbor:"cid"`    // nil for deletes
}

// CommitEvt is the payload of a commit event: the new commit, its
// predecessor, and a CAR slice holding exactly the blocks new to this
// commit so consumers can advance without fetching.
type CommitEvt struct {
	Repo   string     `cbor:"repo"`
	Commit string     `cbor:"commit"`
	Prev   *string    `cbor:"prev"`
	Rev    string     `cbor:"rev"`
	Since  *string    `cbor:"since"`
	Blocks []byte     `cbor:"blocks"`
	Ops    []CommitOp `cbor:"ops"`
	Time   string     `cbor:"time"`
}

// IdentityEvt signals a handle or DID document change.
type IdentityEvt struct {
	Did    string  `cbor:"did"`
	Handle *string `cbor:"handle"`
	Time   string  `cbor:"time"`
}

// AccountEvt signals an account status transition.
type AccountEvt struct {
	Did    string  `cbor:"did"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status"`
	Time   string  `cbor:"time"`
}

// Event is one row read back from the log.
type Event struct {
	Seq         int64
	Did         string
	Type        EventType
	Payload     []byte
	SequencedAt time.Time
}

// DecodeCommit parses a commit event payload.
func (e *Event) DecodeCommit() (*CommitEvt, error) {
	if e.Type != EvtCommit {
		return nil, fmt.Errorf("decode commit event: row is %q", e.Type)
	}
	var evt CommitEvt
	if err := ipld.Unmarshal(e.Payload, &evt); err != nil {
		return nil, fmt.Errorf("decode commit event %d: %w", e.Seq, err)
	}
	return &evt, nil
}

// DecodeIdentity parses an identity event payload.
func (e *Event) DecodeIdentity() (*IdentityEvt, error) {
	if e.Type != EvtIdentity {
		return nil, fmt.Errorf("decode identity event: row is %q", e.Type)
	}
	var evt IdentityEvt
	if err := ipld.Unmarshal(e.Payload, &evt); err != nil {
		return nil, fmt.Errorf("decode identity event %d: %w", e.Seq, err)
	}
	return &evt, nil
}

// DecodeAccount parses an account event payload.
func (e *Event) DecodeAccount() (*AccountEvt, error) {
	if e.Type != EvtAccount {
		return nil, fmt.Errorf("decode account event: row is %q", e.Type)
	}
	var evt AccountEvt
	if err := ipld.Unmarshal(e.Payload, &evt); err != nil {
		return nil, fmt.Errorf("decode account event %d: %w", e.Seq, err)
	}
	return &evt, nil
}
