package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// WalkTree visits every node reachable from root in depth-first key order.
// nodeFn receives each node block (integrity-checked) before its children;
// leafFn receives each leaf in ascending key order. Either callback may be
// nil.
func WalkTree(ctx context.Context, bs Blockstore, root cid.Cid, nodeFn func(Block) error, leafFn func(key string, val cid.Cid) error) error {
	return walkTree(ctx, bs, root, nodeFn, leafFn, nil)
}

// walkTree optionally skips subtrees whose root CID is in skip, recording
// the ones it skipped in shared (both may be nil).
func walkTree(ctx context.Context, bs Blockstore, root cid.Cid, nodeFn func(Block) error, leafFn func(string, cid.Cid) error, skip map[cid.Cid]struct{}) error {
	if skip != nil {
		if _, ok := skip[root]; ok {
			return nil
		}
	}
	data, err := bs.Get(ctx, root)
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	nd, err := decodeNode(root, data)
	if err != nil {
		return err
	}
	if nodeFn != nil {
		if err := nodeFn(Block{Cid: root, Bytes: data}); err != nil {
			return err
		}
	}
	keys, err := nd.expandKeys()
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}

	if nd.Left != nil {
		if err := walkTree(ctx, bs, nd.Left.Cid, nodeFn, leafFn, skip); err != nil {
			return err
		}
	}
	for i, ed := range nd.Entries {
		if leafFn != nil {
			if err := leafFn(keys[i], ed.Value.Cid); err != nil {
				return err
			}
		}
		if ed.Right != nil {
			if err := walkTree(ctx, bs, ed.Right.Cid, nodeFn, leafFn, skip); err != nil {
				return err
			}
		}
	}
	return nil
}

// nodeCids collects the CID of every node in the tree (nodes only, not
// leaf values).
func nodeCids(ctx context.Context, bs Blockstore, root cid.Cid) (map[cid.Cid]struct{}, error) {
	out := make(map[cid.Cid]struct{})
	err := WalkTree(ctx, bs, root, func(b Block) error {
		out[b.Cid] = struct{}{}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LeafChange is one record-level difference between two tree states.
type LeafChange struct {
	Key string
	Old cid.Cid // undefined for adds
	New cid.Cid // undefined for deletes
}

// DiffResult is the minimal set of leaf-level changes between two roots.
type DiffResult struct {
	Adds    []LeafChange
	Updates []LeafChange
	Deletes []LeafChange
}

// Diff compares two tree states. Subtrees whose node CIDs are shared
// between the states are pruned without being descended into.
func Diff(ctx context.Context, bs Blockstore, oldRoot, newRoot cid.Cid) (*DiffResult, error) {
	res := &DiffResult{}
	if oldRoot.Defined() && newRoot.Defined() && oldRoot.Equals(newRoot) {
		return res, nil
	}

	var oldNodes map[cid.Cid]struct{}
	if oldRoot.Defined() {
		var err error
		oldNodes, err = nodeCids(ctx, bs, oldRoot)
		if err != nil {
			return nil, fmt.Errorf("diff old tree: %w", err)
		}
	}

	// Walk the new tree skipping subtrees present verbatim in the old
	// tree; those contribute no changes. Remember what was shared so the
	// old-side walk can skip the same regions.
	shared := make(map[cid.Cid]struct{})
	newLeaves := make(map[string]cid.Cid)
	if newRoot.Defined() {
		if oldNodes == nil {
			oldNodes = map[cid.Cid]struct{}{}
		}
		err := walkTreeShared(ctx, bs, newRoot, func(Block) error { return nil }, func(k string, v cid.Cid) error {
			newLeaves[k] = v
			return nil
		}, oldNodes, shared)
		if err != nil {
			return nil, fmt.Errorf("diff new tree: %w", err)
		}
	}

	oldLeaves := make(map[string]cid.Cid)
	if oldRoot.Defined() {
		err := walkTree(ctx, bs, oldRoot, nil, func(k string, v cid.Cid) error {
			oldLeaves[k] = v
			return nil
		}, shared)
		if err != nil {
			return nil, fmt.Errorf("diff old tree leaves: %w", err)
		}
	}

	for k, nv := range newLeaves {
		ov, ok := oldLeaves[k]
		switch {
		case !ok:
			res.Adds = append(res.Adds, LeafChange{Key: k, New: nv})
		case !ov.Equals(nv):
			res.Updates = append(res.Updates, LeafChange{Key: k, Old: ov, New: nv})
		}
	}
	for k, ov := range oldLeaves {
		if _, ok := newLeaves[k]; !ok {
			res.Deletes = append(res.Deletes, LeafChange{Key: k, Old: ov})
		}
	}
	return res, nil
}

// walkTreeShared is walkTree with skip semantics that additionally records
// which subtree roots were skipped.
func walkTreeShared(ctx context.Context, bs Blockstore, root cid.Cid, nodeFn func(Block) error, leafFn func(string, cid.Cid) error, skip, shared map[cid.Cid]struct{}) error {
	if _, ok := skip[root]; ok {
		shared[root] = struct{}{}
		return nil
	}
	data, err := bs.Get(ctx, root)
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	nd, err := decodeNode(root, data)
	if err != nil {
		return err
	}
	if err := nodeFn(Block{Cid: root, Bytes: data}); err != nil {
		return err
	}
	keys, err := nd.expandKeys()
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	if nd.Left != nil {
		if err := walkTreeShared(ctx, bs, nd.Left.Cid, nodeFn, leafFn, skip, shared); err != nil {
			return err
		}
	}
	for i, ed := range nd.Entries {
		if err := leafFn(keys[i], ed.Value.Cid); err != nil {
			return err
		}
		if ed.Right != nil {
			if err := walkTreeShared(ctx, bs, ed.Right.Cid, nodeFn, leafFn, skip, shared); err != nil {
				return err
			}
		}
	}
	return nil
}

// Proof returns the chain of node blocks from root toward key, in order.
// A verifier recomputes each block's CID to confirm membership (the leaf
// appears in the last node) or non-membership (the chain ends at a node
// whose covering gap has no subtree).
func Proof(ctx context.Context, bs Blockstore, root cid.Cid, key string) ([]Block, error) {
	var chain []Block
	current := root
	for {
		data, err := bs.Get(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("proof %s: %w", current, err)
		}
		nd, err := decodeNode(current, data)
		if err != nil {
			return nil, err
		}
		chain = append(chain, Block{Cid: current, Bytes: data})

		keys, err := nd.expandKeys()
		if err != nil {
			return nil, fmt.Errorf("proof %s: %w", current, err)
		}

		next := cid.Undef
		if nd.Left != nil && (len(keys) == 0 || key < keys[0]) {
			next = nd.Left.Cid
		}
		for i, k := range keys {
			if k == key {
				return chain, nil
			}
			if k < key {
				if nd.Entries[i].Right != nil && (i+1 >= len(keys) || key < keys[i+1]) {
					next = nd.Entries[i].Right.Cid
				}
			}
		}
		if !next.Defined() {
			return chain, nil
		}
		current = next
	}
}
