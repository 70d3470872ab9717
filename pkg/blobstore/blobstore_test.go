package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

func rawCid(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	c, err := ipld.CidForRaw(data)
	if err != nil {
		t.Fatalf("CidForRaw: %v", err)
	}
	return c
}

// backends under test share one contract; run the suite against each.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("disk", func(t *testing.T) {
		d, err := NewDisk(t.TempDir())
		if err != nil {
			t.Fatalf("NewDisk: %v", err)
		}
		fn(t, d)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func TestTwoPhaseUpload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := []byte("blob payload bytes")
		c := rawCid(t, data)

		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}
		// Pending blobs are not served.
		if ok, _ := s.Exists(ctx, c); ok {
			t.Error("pending blob visible as permanent")
		}

		if err := s.Promote(ctx, c); err != nil {
			t.Fatalf("Promote: %v", err)
		}
		ok, err := s.Exists(ctx, c)
		if err != nil || !ok {
			t.Fatalf("Exists after promote: %v %v", ok, err)
		}

		rc, err := s.Get(ctx, c)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("blob bytes differ after round trip")
		}

		// Promote twice is a no-op.
		if err := s.Promote(ctx, c); err != nil {
			t.Errorf("second Promote: %v", err)
		}
	})
}

func TestPutPendingRejectsMismatchedCid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := rawCid(t, []byte("claimed content"))
		err := s.PutPending(ctx, c, bytes.NewReader([]byte("different content")))
		if !errors.Is(err, ErrCidMismatch) {
			t.Errorf("mismatched put: got %v, want ErrCidMismatch", err)
		}
		// Nothing must be promotable afterward.
		if err := s.Promote(ctx, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("promote after rejected put: got %v, want ErrNotFound", err)
		}
	})
}

func TestRePutMismatchedBytesRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := []byte("genuine content")
		c := rawCid(t, data)
		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}

		// A second upload claiming the staged CID with different bytes
		// must be rejected, not absorbed as a no-op.
		err := s.PutPending(ctx, c, bytes.NewReader([]byte("imposter content")))
		if !errors.Is(err, ErrCidMismatch) {
			t.Fatalf("mismatched re-put: got %v, want ErrCidMismatch", err)
		}

		// The originally staged bytes survive and promote cleanly.
		if err := s.Promote(ctx, c); err != nil {
			t.Fatalf("Promote after rejected re-put: %v", err)
		}
		rc, err := s.Get(ctx, c)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("staged bytes corrupted by rejected re-put")
		}
	})
}

func TestPutPendingIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := []byte("same bytes")
		c := rawCid(t, data)
		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}
		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Errorf("re-put of identical cid: %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := []byte("deletable")
		c := rawCid(t, data)
		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}
		if err := s.Promote(ctx, c); err != nil {
			t.Fatalf("Promote: %v", err)
		}
		if err := s.Delete(ctx, c); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestSweepPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		data := []byte("orphan")
		c := rawCid(t, data)
		if err := s.PutPending(ctx, c, bytes.NewReader(data)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}

		// A cutoff in the past reaps nothing.
		n, err := s.SweepPending(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("SweepPending: %v", err)
		}
		if n != 0 {
			t.Errorf("reaped %d fresh blobs", n)
		}

		// A cutoff in the future reaps the orphan.
		n, err = s.SweepPending(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("SweepPending: %v", err)
		}
		if n != 1 {
			t.Errorf("reaped %d blobs, want 1", n)
		}
		if err := s.Promote(ctx, c); !errors.Is(err, ErrNotFound) {
			t.Errorf("promote after sweep: got %v, want ErrNotFound", err)
		}
	})
}
