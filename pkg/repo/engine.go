package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/blobstore"
	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/car"
	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/keys"
	"github.com/meridian-pds/meridian/pkg/mst"
	"github.com/meridian-pds/meridian/pkg/sequencer"
)

// Action names a write operation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// lockWaitTimeout bounds how long a public write waits for the per-DID
// lock; maintenance jobs use the fail-fast path instead.
const lockWaitTimeout = 10 * time.Second

var (
	// ErrRepoNotFound reports a write against a DID with no initialized
	// repository.
	ErrRepoNotFound = errors.New("repo: repository not initialized")
	// ErrRecordNotFound reports an update or delete of an absent record.
	ErrRecordNotFound = errors.New("repo: record not found")
	// ErrRecordExists reports a create colliding with an existing record.
	ErrRecordExists = errors.New("repo: record already exists")
	// ErrNoWrites reports an empty batch.
	ErrNoWrites = errors.New("repo: no write operations")
	// ErrBlobNotFound reports a record referencing a blob that is neither
	// pending nor permanent.
	ErrBlobNotFound = errors.New("repo: referenced blob not found")
)

// SwapError reports a compare-and-swap failure. Current carries the CID
// the caller lost against so clients can rebase.
type SwapError struct {
	Current cid.Cid
}

func (e *SwapError) Error() string {
	if e.Current.Defined() {
		return fmt.Sprintf("repo: swap mismatch, current is %s", e.Current)
	}
	return "repo: swap mismatch, no current value"
}

// WriteOp is one operation in an applyWrites batch. Record must be a
// normalized value (NormalizeRecord) for creates and updates, nil for
// deletes. An empty Rkey on create is filled with a fresh TID.
type WriteOp struct {
	Action     Action
	Collection string
	Rkey       string
	Record     any
	SwapRecord *cid.Cid
}

// OpResult describes one applied operation.
type OpResult struct {
	Action Action
	Uri    string
	Rkey   string
	Cid    cid.Cid // undefined for deletes
}

// ApplyResult is the outcome of a successful commit.
type ApplyResult struct {
	Commit  cid.Cid
	Rev     string
	Results []OpResult
}

// BlobState is the lifecycle position of an uploaded blob.
type BlobState int

const (
	BlobMissing BlobState = iota
	BlobPending
	BlobPermanent
)

// BlobIndex is the metadata surface the engine needs from the service
// database: where a blob stands, and the ref bookkeeping done when a
// record committing a reference lands.
type BlobIndex interface {
	BlobState(ctx context.Context, did string, c cid.Cid) (BlobState, error)
	CommitBlobRefs(ctx context.Context, did, recordUri string, cids []cid.Cid) error
}

// Engine owns all writes to repositories: blocks, HEAD, and the sequencer
// append for each DID go through here, serialized by a per-DID lock.
type Engine struct {
	actors    *blockstore.Manager
	blobs     blobstore.Store
	blobIndex BlobIndex
	seq       *sequencer.Sequencer
	signer    keys.Signer
	clock     *Clock
	locks     *didLocks
	log       *logrus.Entry
}

func NewEngine(actors *blockstore.Manager, blobs blobstore.Store, blobIndex BlobIndex, seq *sequencer.Sequencer, signer keys.Signer, log *logrus.Entry) *Engine {
	return &Engine{
		actors:    actors,
		blobs:     blobs,
		blobIndex: blobIndex,
		seq:       seq,
		signer:    signer,
		clock:     NewClock(),
		locks:     newDidLocks(),
		log:       log,
	}
}

// Store returns the block store backing a DID's repository.
func (e *Engine) Store(did string) (*blockstore.Store, error) {
	return e.actors.Open(did)
}

// InitRepo creates the genesis commit over an empty tree. Called once at
// account creation.
func (e *Engine) InitRepo(ctx context.Context, did string) (*ApplyResult, error) {
	release, err := e.locks.acquire(ctx, did)
	if err != nil {
		return nil, err
	}
	defer release()

	store, err := e.actors.Open(did)
	if err != nil {
		return nil, err
	}
	if _, _, err := store.Root(ctx); err == nil {
		return nil, fmt.Errorf("init repo %s: already initialized", did)
	} else if !errors.Is(err, blockstore.ErrNotFound) {
		return nil, err
	}

	emptyRoot, sentinel, err := mst.EmptyRootCid()
	if err != nil {
		return nil, err
	}
	rev := e.clock.Next()
	commit := &Commit{
		Did:     did,
		Version: CommitVersion,
		Data:    ipld.NewLink(emptyRoot),
		Rev:     rev,
	}
	if err := commit.Sign(e.signer); err != nil {
		return nil, err
	}
	commitBytes, commitCid, err := commit.Encode()
	if err != nil {
		return nil, err
	}

	blocks := []blockstore.Block{
		{Cid: sentinel.Cid, Bytes: sentinel.Bytes},
		{Cid: commitCid, Bytes: commitBytes},
	}
	err = store.ApplyCommit(ctx, &blockstore.CommitData{
		Cid:    commitCid,
		Rev:    rev,
		Blocks: blocks,
	})
	if err != nil {
		return nil, err
	}

	e.sequenceCommit(ctx, did, commitCid, nil, rev, nil, blocks, nil)
	return &ApplyResult{Commit: commitCid, Rev: rev}, nil
}

// ApplyWrites applies a batch of operations as one signed commit. Either
// every operation lands under the new commit or HEAD and blocks are
// untouched. swapCommit, when non-nil, must equal the current HEAD commit
// CID or the call fails with a SwapError carrying the current HEAD.
func (e *Engine) ApplyWrites(ctx context.Context, did string, ops []WriteOp, swapCommit *cid.Cid) (*ApplyResult, error) {
	if len(ops) == 0 {
		return nil, ErrNoWrites
	}
	if err := validateBatch(ops); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockWaitTimeout)
	release, err := e.locks.acquire(lockCtx, did)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	defer release()

	store, err := e.actors.Open(did)
	if err != nil {
		return nil, err
	}
	head, prevRev, err := store.Root(ctx)
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, err
	}
	if swapCommit != nil && !head.Equals(*swapCommit) {
		return nil, &SwapError{Current: head}
	}

	headBytes, err := store.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("apply writes %s: load head: %w", did, err)
	}
	prevCommit, err := DecodeCommit(head, headBytes)
	if err != nil {
		return nil, err
	}

	tree := mst.Load(store, prevCommit.Data.Cid)

	var (
		recordBlocks []blockstore.Block
		puts         []blockstore.Record
		deletes      []string
		results      []OpResult
		seqOps       []sequencer.CommitOp
		blobRefs     = make(map[string][]cid.Cid) // record uri → blob cids
	)

	for i := range ops {
		op := &ops[i]
		rkey := op.Rkey
		if rkey == "" {
			rkey = e.clock.Next()
		}
		path := op.Collection + "/" + rkey
		uri := "at://" + did + "/" + path

		switch op.Action {
		case ActionCreate, ActionUpdate:
			current, err := tree.Get(ctx, path)
			switch {
			case err == nil && op.Action == ActionCreate:
				return nil, fmt.Errorf("%w: %s", ErrRecordExists, path)
			case errors.Is(err, mst.ErrNotFound) && op.Action == ActionUpdate:
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
			case err != nil && !errors.Is(err, mst.ErrNotFound):
				return nil, err
			}
			if op.Action == ActionUpdate && op.SwapRecord != nil && !current.Equals(*op.SwapRecord) {
				return nil, &SwapError{Current: current}
			}

			data, rcid, err := ipld.MarshalAndCid(op.Record)
			if err != nil {
				return nil, fmt.Errorf("%w: encode %s: %v", ErrValidation, path, err)
			}
			if len(data) > maxRecordSize {
				return nil, fmt.Errorf("%w: record %s is %d bytes, limit %d", ErrValidation, path, len(data), maxRecordSize)
			}
			if refs := findBlobRefs(op.Record); len(refs) > 0 {
				blobRefs[uri] = refs
			}
			if err := tree.Put(ctx, path, rcid); err != nil {
				return nil, err
			}
			recordBlocks = append(recordBlocks, blockstore.Block{Cid: rcid, Bytes: data})
			puts = append(puts, blockstore.Record{Uri: uri, Cid: rcid, Collection: op.Collection, Rkey: rkey})
			results = append(results, OpResult{Action: op.Action, Uri: uri, Rkey: rkey, Cid: rcid})
			cs := rcid.String()
			seqOps = append(seqOps, sequencer.CommitOp{Action: string(op.Action), Path: path, Cid: &cs})

		case ActionDelete:
			current, err := tree.Get(ctx, path)
			if errors.Is(err, mst.ErrNotFound) {
				if op.SwapRecord != nil {
					// The caller lost a race: the record they swapped
					// against is already gone.
					return nil, &SwapError{}
				}
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
			}
			if err != nil {
				return nil, err
			}
			if op.SwapRecord != nil && !current.Equals(*op.SwapRecord) {
				return nil, &SwapError{Current: current}
			}
			if err := tree.Delete(ctx, path); err != nil {
				return nil, err
			}
			deletes = append(deletes, uri)
			results = append(results, OpResult{Action: ActionDelete, Uri: uri, Rkey: rkey})
			seqOps = append(seqOps, sequencer.CommitOp{Action: string(ActionDelete), Path: path})
		}
	}

	// Every referenced blob must already be staged or permanent.
	for uri, refs := range blobRefs {
		for _, c := range refs {
			state, err := e.blobIndex.BlobState(ctx, did, c)
			if err != nil {
				return nil, err
			}
			if state == BlobMissing {
				return nil, fmt.Errorf("%w: %s referenced by %s", ErrBlobNotFound, c, uri)
			}
		}
	}

	newRoot, nodeBlocks, err := tree.Serialize(ctx)
	if err != nil {
		return nil, err
	}

	rev, err := e.clock.NextAfter(prevRev)
	if err != nil {
		return nil, fmt.Errorf("apply writes %s: bad head rev %q: %w", did, prevRev, err)
	}

	prevLink := ipld.NewLink(head)
	commit := &Commit{
		Did:     did,
		Version: CommitVersion,
		Prev:    &prevLink,
		Data:    ipld.NewLink(newRoot),
		Rev:     rev,
	}
	if err := commit.Sign(e.signer); err != nil {
		return nil, err
	}
	commitBytes, commitCid, err := commit.Encode()
	if err != nil {
		return nil, err
	}

	// The commit's block set: new record values, the mutated tree spine
	// (nodes already present are structurally shared with older
	// revisions and stay attributed to them), and the commit itself.
	newBlocks := make([]blockstore.Block, 0, len(nodeBlocks)+len(recordBlocks)+1)
	newBlocks = append(newBlocks, recordBlocks...)
	for _, b := range nodeBlocks {
		present, err := store.Has(ctx, b.Cid)
		if err != nil {
			return nil, err
		}
		if !present {
			newBlocks = append(newBlocks, blockstore.Block{Cid: b.Cid, Bytes: b.Bytes})
		}
	}
	newBlocks = append(newBlocks, blockstore.Block{Cid: commitCid, Bytes: commitBytes})

	err = store.ApplyCommit(ctx, &blockstore.CommitData{
		Cid:        commitCid,
		Rev:        rev,
		Blocks:     newBlocks,
		Puts:       puts,
		Deletes:    deletes,
		ExpectRoot: head,
	})
	if errors.Is(err, blockstore.ErrStaleRoot) {
		cur, _, rootErr := store.Root(ctx)
		if rootErr != nil {
			return nil, err
		}
		return nil, &SwapError{Current: cur}
	}
	if err != nil {
		return nil, err
	}

	// Promote referenced blobs out of the pending area.
	for uri, refs := range blobRefs {
		for _, c := range refs {
			if err := e.blobs.Promote(ctx, c); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				e.log.WithError(err).WithField("blob", c.String()).Error("blob promotion failed")
			}
		}
		if err := e.blobIndex.CommitBlobRefs(ctx, did, uri, refs); err != nil {
			e.log.WithError(err).WithField("uri", uri).Error("blob ref bookkeeping failed")
		}
	}

	e.sequenceCommit(ctx, did, commitCid, &head, rev, &prevRev, newBlocks, seqOps)
	return &ApplyResult{Commit: commitCid, Rev: rev, Results: results}, nil
}

// sequenceCommit appends the commit event. The write itself has already
// committed; this step runs even when the request context is cancelled,
// and a failure here is repaired later by the reconciliation sweep (the
// commit is authoritative, the event log is a projection).
func (e *Engine) sequenceCommit(ctx context.Context, did string, commitCid cid.Cid, prev *cid.Cid, rev string, since *string, blocks []blockstore.Block, ops []sequencer.CommitOp) {
	ctx = context.WithoutCancel(ctx)

	slice := make([]car.Block, len(blocks))
	for i, b := range blocks {
		slice[i] = car.Block{Cid: b.Cid, Bytes: b.Bytes}
	}
	var buf bytes.Buffer
	if err := car.ExportSlice(commitCid, slice, &buf); err != nil {
		e.log.WithError(err).WithField("did", did).Error("commit event car slice failed")
		return
	}

	evt := sequencer.CommitEvt{
		Repo:   did,
		Commit: commitCid.String(),
		Rev:    rev,
		Blocks: buf.Bytes(),
		Ops:    ops,
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ops == nil {
		evt.Ops = []sequencer.CommitOp{}
	}
	if prev != nil {
		p := prev.String()
		evt.Prev = &p
	}
	evt.Since = since

	if _, err := e.seq.Append(ctx, did, sequencer.EvtCommit, evt); err != nil {
		e.log.WithError(err).WithField("did", did).Error("commit event append failed; reconciliation will repair")
	}
}

// GetRecord resolves a record to its index row and canonical bytes.
func (e *Engine) GetRecord(ctx context.Context, did, collection, rkey string) (*blockstore.Record, []byte, error) {
	store, err := e.actors.Open(did)
	if err != nil {
		return nil, nil, err
	}
	rec, err := store.GetRecord(ctx, "at://"+did+"/"+collection+"/"+rkey)
	if err != nil {
		return nil, nil, err
	}
	data, err := store.Get(ctx, rec.Cid)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// Head returns the current commit CID and revision for a DID.
func (e *Engine) Head(ctx context.Context, did string) (cid.Cid, string, error) {
	store, err := e.actors.Open(did)
	if err != nil {
		return cid.Undef, "", err
	}
	c, rev, err := store.Root(ctx)
	if errors.Is(err, blockstore.ErrNotFound) {
		return cid.Undef, "", ErrRepoNotFound
	}
	return c, rev, err
}

// DestroyRepo removes a repository entirely. Terminal deletion only.
func (e *Engine) DestroyRepo(ctx context.Context, did string) error {
	release, err := e.locks.acquire(ctx, did)
	if err != nil {
		return err
	}
	defer release()
	return e.actors.Destroy(did)
}
