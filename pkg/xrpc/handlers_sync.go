package xrpc

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/car"
	"github.com/meridian-pds/meridian/pkg/ipld"
)

const carContentType = "application/vnd.ipld.car"

// handleGetRepo streams a CAR of the repository, optionally limited to
// blocks introduced after the `since` revision.
func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did, err := s.resolveRepoParam(r, q.Get("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	head, _, err := s.engine.Head(r.Context(), did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	store, err := s.engine.Store(did)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", carContentType)

	if since := strings.TrimSpace(q.Get("since")); since != "" {
		blocks, err := store.BlocksSince(r.Context(), since)
		if err != nil {
			s.writeError(w, err)
			return
		}
		slice := make([]car.Block, len(blocks))
		for i, b := range blocks {
			slice[i] = car.Block{Cid: b.Cid, Bytes: b.Bytes}
		}
		if err := car.ExportSlice(head, slice, w); err != nil {
			s.log.WithError(err).Debug("incremental car stream aborted")
		}
		return
	}

	if err := car.ExportRepo(r.Context(), store, head, w); err != nil {
		// Headers are gone; the truncated stream fails the client's
		// verification.
		s.log.WithError(err).Debug("car stream aborted")
	}
}

// handleGetBlocks streams a CAR containing the requested block CIDs.
func (s *Server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did, err := s.resolveRepoParam(r, q.Get("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rawCids := q["cids"]
	if len(rawCids) == 1 && strings.Contains(rawCids[0], ",") {
		rawCids = strings.Split(rawCids[0], ",")
	}
	if len(rawCids) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "cids parameter required"})
		return
	}

	store, err := s.engine.Store(did)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cids := make([]cid.Cid, 0, len(rawCids))
	for _, raw := range rawCids {
		c, err := ipld.ParseCid(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
			return
		}
		cids = append(cids, c)
	}

	var blocks []car.Block
	for _, c := range cids {
		data, err := store.Get(r.Context(), c)
		if errors.Is(err, blockstore.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		blocks = append(blocks, car.Block{Cid: c, Bytes: data})
	}

	w.Header().Set("Content-Type", carContentType)
	if err := car.ExportSlice(cids[0], blocks, w); err != nil {
		s.log.WithError(err).Debug("block car stream aborted")
	}
}

// handleGetBlob serves raw blob bytes.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did, err := s.resolveRepoParam(r, q.Get("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := ipld.ParseCid(q.Get("cid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: err.Error()})
		return
	}

	mime := "application/octet-stream"
	if meta, err := s.meta.GetBlobMeta(r.Context(), did, c); err == nil {
		mime = meta.MimeType
	}

	rc, err := s.blobs.Get(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", mime)
	io.Copy(w, rc)
}

func (s *Server) handleGetLatestCommit(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveRepoParam(r, r.URL.Query().Get("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	head, rev, err := s.engine.Head(r.Context(), did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"cid": head.String(),
		"rev": rev,
	})
}
