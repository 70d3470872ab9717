package servicedb

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/repo"
)

func TestMigrationsApply(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	// Every table the components rely on exists.
	for _, table := range []string{
		"account", "refresh_token", "app_password", "invite_code",
		"invite_code_use", "repo_seq", "handle_cache", "did_cache",
		"blob", "blob_ref",
	} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing: %v", table, err)
		}
	}
}

func TestBlobLifecycle(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	c, err := ipld.CidForRaw([]byte("blob bytes"))
	if err != nil {
		t.Fatalf("CidForRaw: %v", err)
	}
	did := "did:web:alice.test"

	state, err := db.BlobState(ctx, did, c)
	if err != nil || state != repo.BlobMissing {
		t.Fatalf("state before upload: %v %v", state, err)
	}

	if err := db.AddPendingBlob(ctx, did, c, "image/png", 10); err != nil {
		t.Fatalf("AddPendingBlob: %v", err)
	}
	state, err = db.BlobState(ctx, did, c)
	if err != nil || state != repo.BlobPending {
		t.Fatalf("state after upload: %v %v", state, err)
	}

	uri := "at://" + did + "/app.example.feed.post/abc"
	if err := db.CommitBlobRefs(ctx, did, uri, []cid.Cid{c}); err != nil {
		t.Fatalf("CommitBlobRefs: %v", err)
	}
	state, err = db.BlobState(ctx, did, c)
	if err != nil || state != repo.BlobPermanent {
		t.Fatalf("state after commit: %v %v", state, err)
	}

	meta, err := db.GetBlobMeta(ctx, did, c)
	if err != nil {
		t.Fatalf("GetBlobMeta: %v", err)
	}
	if meta.MimeType != "image/png" || meta.Size != 10 || meta.Pending {
		t.Errorf("meta: %+v", meta)
	}

	// Sweep does not touch permanent blobs.
	n, err := db.SweepPendingBlobs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepPendingBlobs: %v", err)
	}
	if n != 0 {
		t.Errorf("sweep removed %d permanent blobs", n)
	}
}

func TestSweepPendingBlobs(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	c, err := ipld.CidForRaw([]byte("orphan"))
	if err != nil {
		t.Fatalf("CidForRaw: %v", err)
	}
	if err := db.AddPendingBlob(ctx, "did:web:a.test", c, "application/octet-stream", 6); err != nil {
		t.Fatalf("AddPendingBlob: %v", err)
	}

	n, err := db.SweepPendingBlobs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepPendingBlobs: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
	state, err := db.BlobState(ctx, "did:web:a.test", c)
	if err != nil || state != repo.BlobMissing {
		t.Errorf("state after sweep: %v %v", state, err)
	}
}
