package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/car"
	"github.com/meridian-pds/meridian/pkg/mst"
	"github.com/meridian-pds/meridian/pkg/sequencer"

	"github.com/ipfs/go-cid"
)

// Reconcile detects a HEAD that advanced without a corresponding commit
// event (a crash between the write transaction and the sequencer append)
// and emits the missing event. Fail-fast on the per-DID lock: a live
// writer means there is nothing stale to repair.
func (e *Engine) Reconcile(ctx context.Context, did string) (bool, error) {
	release, err := e.locks.tryAcquire(did)
	if errors.Is(err, ErrLockBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	store, err := e.actors.Open(did)
	if err != nil {
		return false, err
	}
	head, rev, err := store.Root(ctx)
	if errors.Is(err, blockstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	evt, ok, err := e.seq.LatestCommit(ctx, did)
	if err != nil {
		return false, err
	}
	sinceRev := ""
	if ok {
		if evt.Rev >= rev {
			return false, nil
		}
		sinceRev = evt.Rev
	}

	// HEAD is ahead of the event log: synthesize the missing event with
	// every block introduced after the last sequenced revision.
	blocks, err := store.BlocksSince(ctx, sinceRev)
	if err != nil {
		return false, err
	}
	slice := make([]car.Block, len(blocks))
	for i, b := range blocks {
		slice[i] = car.Block{Cid: b.Cid, Bytes: b.Bytes}
	}
	var buf bytes.Buffer
	if err := car.ExportSlice(head, slice, &buf); err != nil {
		return false, err
	}

	missing := sequencer.CommitEvt{
		Repo:   did,
		Commit: head.String(),
		Rev:    rev,
		Blocks: buf.Bytes(),
		Ops:    []sequencer.CommitOp{},
		Time:   nowRFC3339(),
	}
	if sinceRev != "" {
		missing.Since = &sinceRev
		missing.Prev = &evt.Commit
	}
	if _, err := e.seq.Append(ctx, did, sequencer.EvtCommit, missing); err != nil {
		return false, fmt.Errorf("reconcile %s: %w", did, err)
	}
	e.log.WithField("did", did).WithField("rev", rev).Warn("emitted missing commit event")
	return true, nil
}

// GC prunes blocks no longer reachable from HEAD: superseded MST spines,
// replaced records, and orphaned commits. Fail-fast on the lock.
func (e *Engine) GC(ctx context.Context, did string) (int, error) {
	release, err := e.locks.tryAcquire(did)
	if err != nil {
		return 0, err
	}
	defer release()

	store, err := e.actors.Open(did)
	if err != nil {
		return 0, err
	}
	head, _, err := store.Root(ctx)
	if errors.Is(err, blockstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	headBytes, err := store.Get(ctx, head)
	if err != nil {
		return 0, err
	}
	commit, err := DecodeCommit(head, headBytes)
	if err != nil {
		return 0, err
	}

	keep := map[string]struct{}{head.String(): {}}
	err = mst.WalkTree(ctx, store, commit.Data.Cid,
		func(b mst.Block) error {
			keep[b.Cid.String()] = struct{}{}
			return nil
		},
		func(_ string, val cid.Cid) error {
			keep[val.String()] = struct{}{}
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("gc %s: %w", did, err)
	}

	removed, err := store.PruneExcept(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("gc %s: %w", did, err)
	}
	if removed > 0 {
		e.log.WithField("did", did).WithField("removed", removed).Info("pruned unreachable blocks")
	}
	return removed, nil
}
