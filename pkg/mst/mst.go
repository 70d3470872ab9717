package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// entry is one slot in an in-memory node: either a leaf (key is non-empty)
// or a pointer to a subtree one layer down. A child pointer stays as a bare
// CID until a mutation or lookup needs to descend into it.
type entry struct {
	key      string
	val      cid.Cid
	child    *node
	childCid cid.Cid
}

func (e *entry) isLeaf() bool { return e.key != "" }

// node invariants: entries are ordered; child pointers sit only between,
// before, or after leaves, never adjacent to another child; every child is
// exactly one layer below its parent.
type node struct {
	layer   int
	entries []entry
}

// Tree is a mutable MST over a block store. Mutations happen in memory;
// Serialize emits the resulting node blocks and root CID. A Tree is not
// safe for concurrent use; the repository engine holds a per-DID lock.
type Tree struct {
	bs      Blockstore
	root    *node
	rootCid cid.Cid
}

// New returns an empty tree.
func New(bs Blockstore) *Tree {
	return &Tree{bs: bs, root: &node{layer: 0}}
}

// Load returns a tree rooted at an existing node CID. Nodes are fetched
// lazily as operations descend.
func Load(bs Blockstore, root cid.Cid) *Tree {
	return &Tree{bs: bs, rootCid: root}
}

func (t *Tree) ensureRoot(ctx context.Context) error {
	if t.root != nil {
		return nil
	}
	n, err := t.loadNode(ctx, t.rootCid, -1)
	if err != nil {
		return err
	}
	t.root = n
	return nil
}

// loadNode fetches and decodes a node. layer is the expected layer, or -1
// to infer it (root only): from the first leaf when one exists, otherwise
// one above the leftmost child.
func (t *Tree) loadNode(ctx context.Context, c cid.Cid, layer int) (*node, error) {
	data, err := t.bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", c, err)
	}
	nd, err := decodeNode(c, data)
	if err != nil {
		return nil, err
	}
	keys, err := nd.expandKeys()
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", c, err)
	}

	n := &node{layer: layer}
	if nd.Left != nil {
		n.entries = append(n.entries, entry{childCid: nd.Left.Cid})
	}
	for i, ed := range nd.Entries {
		n.entries = append(n.entries, entry{key: keys[i], val: ed.Value.Cid})
		if ed.Right != nil {
			n.entries = append(n.entries, entry{childCid: ed.Right.Cid})
		}
	}

	if n.layer < 0 {
		switch {
		case len(nd.Entries) > 0:
			n.layer = KeyLayer(keys[0])
		case len(n.entries) > 0:
			child, err := t.loadNode(ctx, n.entries[0].childCid, -1)
			if err != nil {
				return nil, err
			}
			n.entries[0].child = child
			n.layer = child.layer + 1
		default:
			n.layer = 0
		}
	}
	return n, nil
}

func (t *Tree) loadChild(ctx context.Context, n *node, idx int) (*node, error) {
	e := &n.entries[idx]
	if e.child == nil {
		child, err := t.loadNode(ctx, e.childCid, n.layer-1)
		if err != nil {
			return nil, err
		}
		e.child = child
	}
	return e.child, nil
}

// findSlot locates key within a node. It returns the index of an exact
// leaf match (or -1), the position a new leaf would be inserted at, and
// the index of the child entry covering key's gap (or -1).
func findSlot(n *node, key string) (leafIdx, insertPos, childIdx int) {
	leafIdx = -1
	insertPos = len(n.entries)
	for i := range n.entries {
		e := &n.entries[i]
		if !e.isLeaf() {
			continue
		}
		if e.key == key {
			leafIdx = i
			insertPos = i
			break
		}
		if e.key > key {
			insertPos = i
			break
		}
	}
	childIdx = -1
	if leafIdx < 0 && insertPos > 0 && !n.entries[insertPos-1].isLeaf() {
		childIdx = insertPos - 1
	}
	return leafIdx, insertPos, childIdx
}

// Get returns the value CID stored under key, or ErrNotFound.
func (t *Tree) Get(ctx context.Context, key string) (cid.Cid, error) {
	if err := t.ensureRoot(ctx); err != nil {
		return cid.Undef, err
	}
	return t.get(ctx, t.root, key, KeyLayer(key))
}

func (t *Tree) get(ctx context.Context, n *node, key string, kl int) (cid.Cid, error) {
	if kl > n.layer {
		return cid.Undef, ErrNotFound
	}
	leafIdx, _, childIdx := findSlot(n, key)
	if kl == n.layer {
		if leafIdx < 0 {
			return cid.Undef, ErrNotFound
		}
		return n.entries[leafIdx].val, nil
	}
	if childIdx < 0 {
		return cid.Undef, ErrNotFound
	}
	child, err := t.loadChild(ctx, n, childIdx)
	if err != nil {
		return cid.Undef, err
	}
	return t.get(ctx, child, key, kl)
}

// Put inserts or replaces the value for key.
func (t *Tree) Put(ctx context.Context, key string, val cid.Cid) error {
	if key == "" {
		return fmt.Errorf("mst put: empty key")
	}
	if err := t.ensureRoot(ctx); err != nil {
		return err
	}
	kl := KeyLayer(key)

	// Grow the root upward until it can hold the key's layer. An empty
	// root simply adopts the key's layer.
	if kl > t.root.layer {
		if len(t.root.entries) == 0 {
			t.root.layer = kl
		}
		for kl > t.root.layer {
			t.root = &node{
				layer:   t.root.layer + 1,
				entries: []entry{{child: t.root}},
			}
		}
	}
	return t.put(ctx, t.root, key, kl, val)
}

func (t *Tree) put(ctx context.Context, n *node, key string, kl int, val cid.Cid) error {
	leafIdx, insertPos, childIdx := findSlot(n, key)

	if kl == n.layer {
		if leafIdx >= 0 {
			n.entries[leafIdx].val = val
			return nil
		}
		if childIdx >= 0 {
			// The key lands in the middle of a subtree one layer down;
			// split that subtree around it so ordering is preserved.
			child, err := t.loadChild(ctx, n, childIdx)
			if err != nil {
				return err
			}
			left, right, err := t.splitNode(ctx, child, key)
			if err != nil {
				return err
			}
			repl := make([]entry, 0, 3)
			if left != nil {
				repl = append(repl, entry{child: left})
			}
			repl = append(repl, entry{key: key, val: val})
			if right != nil {
				repl = append(repl, entry{child: right})
			}
			n.entries = spliceEntries(n.entries, childIdx, childIdx+1, repl)
			return nil
		}
		n.entries = spliceEntries(n.entries, insertPos, insertPos, []entry{{key: key, val: val}})
		return nil
	}

	// kl < n.layer: descend, creating the path when no subtree covers the gap.
	if childIdx >= 0 {
		child, err := t.loadChild(ctx, n, childIdx)
		if err != nil {
			return err
		}
		return t.put(ctx, child, key, kl, val)
	}
	chain := &node{layer: kl, entries: []entry{{key: key, val: val}}}
	for chain.layer < n.layer-1 {
		chain = &node{layer: chain.layer + 1, entries: []entry{{child: chain}}}
	}
	n.entries = spliceEntries(n.entries, insertPos, insertPos, []entry{{child: chain}})
	return nil
}

// splitNode partitions a subtree into the parts strictly below and strictly
// above key. Either side may be nil when empty.
func (t *Tree) splitNode(ctx context.Context, n *node, key string) (*node, *node, error) {
	_, insertPos, childIdx := findSlot(n, key)

	var leftEntries, rightEntries []entry
	if childIdx >= 0 {
		child, err := t.loadChild(ctx, n, childIdx)
		if err != nil {
			return nil, nil, err
		}
		subLeft, subRight, err := t.splitNode(ctx, child, key)
		if err != nil {
			return nil, nil, err
		}
		leftEntries = append(leftEntries, n.entries[:childIdx]...)
		if subLeft != nil {
			leftEntries = append(leftEntries, entry{child: subLeft})
		}
		if subRight != nil {
			rightEntries = append(rightEntries, entry{child: subRight})
		}
		rightEntries = append(rightEntries, n.entries[insertPos:]...)
	} else {
		leftEntries = append(leftEntries, n.entries[:insertPos]...)
		rightEntries = append(rightEntries, n.entries[insertPos:]...)
	}

	var left, right *node
	if len(leftEntries) > 0 {
		left = &node{layer: n.layer, entries: leftEntries}
	}
	if len(rightEntries) > 0 {
		right = &node{layer: n.layer, entries: rightEntries}
	}
	return left, right, nil
}

// Delete removes key from the tree, re-deriving the canonical shape.
// Returns ErrNotFound when the key is absent.
func (t *Tree) Delete(ctx context.Context, key string) error {
	if err := t.ensureRoot(ctx); err != nil {
		return err
	}
	if err := t.del(ctx, t.root, key, KeyLayer(key)); err != nil {
		return err
	}
	return t.trimRoot(ctx)
}

func (t *Tree) del(ctx context.Context, n *node, key string, kl int) error {
	if kl > n.layer {
		return ErrNotFound
	}
	leafIdx, _, childIdx := findSlot(n, key)

	if kl == n.layer {
		if leafIdx < 0 {
			return ErrNotFound
		}
		n.entries = spliceEntries(n.entries, leafIdx, leafIdx+1, nil)
		// Removing a leaf can leave two subtrees adjacent; they belong to
		// one gap now and must be merged to restore the canonical shape.
		if leafIdx > 0 && leafIdx < len(n.entries) &&
			!n.entries[leafIdx-1].isLeaf() && !n.entries[leafIdx].isLeaf() {
			left, err := t.loadChild(ctx, n, leafIdx-1)
			if err != nil {
				return err
			}
			right, err := t.loadChild(ctx, n, leafIdx)
			if err != nil {
				return err
			}
			merged, err := t.mergeNodes(ctx, left, right)
			if err != nil {
				return err
			}
			n.entries = spliceEntries(n.entries, leafIdx-1, leafIdx+1, []entry{{child: merged}})
		}
		return nil
	}

	if childIdx < 0 {
		return ErrNotFound
	}
	child, err := t.loadChild(ctx, n, childIdx)
	if err != nil {
		return err
	}
	if err := t.del(ctx, child, key, kl); err != nil {
		return err
	}
	if len(child.entries) == 0 {
		n.entries = spliceEntries(n.entries, childIdx, childIdx+1, nil)
	}
	return nil
}

// mergeNodes concatenates two same-layer subtrees whose key ranges have
// become adjacent, merging their facing children recursively.
func (t *Tree) mergeNodes(ctx context.Context, left, right *node) (*node, error) {
	if len(left.entries) == 0 {
		return right, nil
	}
	if len(right.entries) == 0 {
		return left, nil
	}
	lastL := &left.entries[len(left.entries)-1]
	firstR := &right.entries[0]
	if !lastL.isLeaf() && !firstR.isLeaf() {
		lc, err := t.loadEntryChild(ctx, lastL, left.layer-1)
		if err != nil {
			return nil, err
		}
		rc, err := t.loadEntryChild(ctx, firstR, right.layer-1)
		if err != nil {
			return nil, err
		}
		sub, err := t.mergeNodes(ctx, lc, rc)
		if err != nil {
			return nil, err
		}
		merged := make([]entry, 0, len(left.entries)+len(right.entries)-1)
		merged = append(merged, left.entries[:len(left.entries)-1]...)
		merged = append(merged, entry{child: sub})
		merged = append(merged, right.entries[1:]...)
		return &node{layer: left.layer, entries: merged}, nil
	}
	merged := make([]entry, 0, len(left.entries)+len(right.entries))
	merged = append(merged, left.entries...)
	merged = append(merged, right.entries...)
	return &node{layer: left.layer, entries: merged}, nil
}

func (t *Tree) loadEntryChild(ctx context.Context, e *entry, layer int) (*node, error) {
	if e.child != nil {
		return e.child, nil
	}
	child, err := t.loadNode(ctx, e.childCid, layer)
	if err != nil {
		return nil, err
	}
	e.child = child
	return child, nil
}

// trimRoot lowers the root while it carries no leaves of its own: a root
// with a single child collapses into it, an empty root resets to the
// layer-0 sentinel.
func (t *Tree) trimRoot(ctx context.Context) error {
	for {
		if len(t.root.entries) == 0 {
			t.root.layer = 0
			return nil
		}
		if len(t.root.entries) != 1 || t.root.entries[0].isLeaf() {
			return nil
		}
		child, err := t.loadChild(ctx, t.root, 0)
		if err != nil {
			return err
		}
		t.root = child
	}
}

// Serialize encodes every materialized node, returning the new root CID and
// the node blocks along mutated paths. Subtrees never descended into are
// referenced by their existing CIDs and are not re-emitted.
func (t *Tree) Serialize(ctx context.Context) (cid.Cid, []Block, error) {
	if err := t.ensureRoot(ctx); err != nil {
		return cid.Undef, nil, err
	}
	var blocks []Block
	root, err := serializeNode(t.root, &blocks)
	if err != nil {
		return cid.Undef, nil, err
	}
	t.rootCid = root
	return root, blocks, nil
}

func serializeNode(n *node, out *[]Block) (cid.Cid, error) {
	nd := nodeData{Entries: []entryData{}}

	i := 0
	if len(n.entries) > 0 && !n.entries[0].isLeaf() {
		c, err := entryChildCid(&n.entries[0], out)
		if err != nil {
			return cid.Undef, err
		}
		l := ipld.NewLink(c)
		nd.Left = &l
		i = 1
	}

	prevKey := ""
	for ; i < len(n.entries); i++ {
		e := &n.entries[i]
		if !e.isLeaf() {
			return cid.Undef, fmt.Errorf("serialize node: adjacent subtree entries at %d", i)
		}
		p := commonPrefixLen(prevKey, e.key)
		ed := entryData{
			PrefixLen: int64(p),
			KeySuffix: []byte(e.key[p:]),
			Value:     ipld.NewLink(e.val),
		}
		if i+1 < len(n.entries) && !n.entries[i+1].isLeaf() {
			c, err := entryChildCid(&n.entries[i+1], out)
			if err != nil {
				return cid.Undef, err
			}
			l := ipld.NewLink(c)
			ed.Right = &l
			i++
		}
		nd.Entries = append(nd.Entries, ed)
		prevKey = e.key
	}

	data, c, err := ipld.MarshalAndCid(nd)
	if err != nil {
		return cid.Undef, fmt.Errorf("serialize node: %w", err)
	}
	*out = append(*out, Block{Cid: c, Bytes: data})
	return c, nil
}

func entryChildCid(e *entry, out *[]Block) (cid.Cid, error) {
	if e.child == nil {
		return e.childCid, nil
	}
	return serializeNode(e.child, out)
}

func spliceEntries(s []entry, from, to int, repl []entry) []entry {
	out := make([]entry, 0, len(s)-(to-from)+len(repl))
	out = append(out, s[:from]...)
	out = append(out, repl...)
	out = append(out, s[to:]...)
	return out
}
