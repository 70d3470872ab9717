package mst

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

func TestDiffAddsUpdatesDeletes(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	keys := testKeys(40)
	oldRoot := buildTree(t, bs, keys)

	tree := Load(bs, oldRoot)
	added := "app.test.record/new-entry"
	if err := tree.Put(ctx, added, valCid(t, added)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put(ctx, keys[5], valCid(t, "changed")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Delete(ctx, keys[30]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	newRoot, blocks, err := tree.Serialize(ctx)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	bs.putBlocks(blocks)

	diff, err := Diff(ctx, bs, oldRoot, newRoot)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Adds) != 1 || diff.Adds[0].Key != added {
		t.Errorf("Adds: %+v", diff.Adds)
	}
	if len(diff.Updates) != 1 || diff.Updates[0].Key != keys[5] {
		t.Errorf("Updates: %+v", diff.Updates)
	}
	if len(diff.Deletes) != 1 || diff.Deletes[0].Key != keys[30] {
		t.Errorf("Deletes: %+v", diff.Deletes)
	}
}

func TestDiffIdenticalRoots(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	root := buildTree(t, bs, testKeys(10))
	diff, err := Diff(ctx, bs, root, root)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Adds)+len(diff.Updates)+len(diff.Deletes) != 0 {
		t.Errorf("identical roots produced changes: %+v", diff)
	}
}

func TestDiffFromEmpty(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	keys := testKeys(15)
	root := buildTree(t, bs, keys)

	diff, err := Diff(ctx, bs, cid.Undef, root)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diff.Adds) != len(keys) {
		t.Errorf("adds from empty: got %d, want %d", len(diff.Adds), len(keys))
	}
}

func TestProofMembership(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	keys := testKeys(50)
	root := buildTree(t, bs, keys)

	chain, err := Proof(ctx, bs, root, keys[23])
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if len(chain) == 0 {
		t.Fatal("empty proof chain")
	}
	if !chain[0].Cid.Equals(root) {
		t.Errorf("proof chain does not start at root")
	}
	// Every block in the chain verifies against its CID.
	for _, b := range chain {
		if err := ipld.Verify(b.Cid, b.Bytes); err != nil {
			t.Errorf("proof block %s: %v", b.Cid, err)
		}
	}
	// The final node contains the key as a leaf.
	var nd nodeData
	last := chain[len(chain)-1]
	if err := ipld.Unmarshal(last.Bytes, &nd); err != nil {
		t.Fatalf("decode last proof node: %v", err)
	}
	lastKeys, err := nd.expandKeys()
	if err != nil {
		t.Fatalf("expandKeys: %v", err)
	}
	found := false
	for _, k := range lastKeys {
		if k == keys[23] {
			found = true
		}
	}
	if !found {
		t.Error("membership proof chain does not end at the leaf's node")
	}
}

func TestProofNonMembership(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	root := buildTree(t, bs, testKeys(50))

	chain, err := Proof(ctx, bs, root, "app.test.record/not-there-at-all")
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if len(chain) == 0 {
		t.Fatal("non-membership proof must still return the search path")
	}
}

func TestWalkDetectsCorruptBlock(t *testing.T) {
	ctx := context.Background()
	bs := newMemStore()
	root := buildTree(t, bs, testKeys(30))

	// Corrupt one stored node in place.
	for c, b := range bs.m {
		mut := make([]byte, len(b))
		copy(mut, b)
		mut[len(mut)-1] ^= 0xff
		bs.m[c] = mut
		break
	}

	err := WalkTree(ctx, bs, root, func(Block) error { return nil }, nil)
	if !errors.Is(err, ipld.ErrIntegrity) {
		t.Errorf("walk over corrupt store: got %v, want ErrIntegrity", err)
	}
}
