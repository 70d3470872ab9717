package xrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/repo"
)

// maxUploadSize bounds one blob upload.
const maxUploadSize = 50 << 20

// decodeRecordBody decodes a JSON record value preserving integers.
func decodeRecordValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: malformed record value", repo.ErrValidation)
	}
	return repo.NormalizeRecord(v)
}

func parseOptionalCid(s string) (*cid.Cid, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	c, err := ipld.ParseCid(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repo.ErrValidation, err)
	}
	return &c, nil
}

type createRecordRequest struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
	SwapCommit string          `json:"swapCommit"`
}

type recordWriteResponse struct {
	Uri    string `json:"uri"`
	Cid    string `json:"cid,omitempty"`
	Commit string `json:"commit"`
	Rev    string `json:"rev"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	did, err := s.resolveRepoParam(r, req.Repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireOwner(r, did); err != nil {
		s.writeError(w, err)
		return
	}
	value, err := decodeRecordValue(req.Record)
	if err != nil {
		s.writeError(w, err)
		return
	}
	swapCommit, err := parseOptionalCid(req.SwapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.ApplyWrites(r.Context(), did, []repo.WriteOp{{
		Action:     repo.ActionCreate,
		Collection: req.Collection,
		Rkey:       req.Rkey,
		Record:     value,
	}}, swapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := res.Results[0]
	writeJSON(w, http.StatusOK, recordWriteResponse{
		Uri:    out.Uri,
		Cid:    out.Cid.String(),
		Commit: res.Commit.String(),
		Rev:    res.Rev,
	})
}

type putRecordRequest struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
	SwapRecord string          `json:"swapRecord"`
	SwapCommit string          `json:"swapCommit"`
}

// handlePutRecord is create-or-update with optional swap CIDs.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var req putRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	if strings.TrimSpace(req.Rkey) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "rkey is required"})
		return
	}
	did, err := s.resolveRepoParam(r, req.Repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireOwner(r, did); err != nil {
		s.writeError(w, err)
		return
	}
	value, err := decodeRecordValue(req.Record)
	if err != nil {
		s.writeError(w, err)
		return
	}
	swapRecord, err := parseOptionalCid(req.SwapRecord)
	if err != nil {
		s.writeError(w, err)
		return
	}
	swapCommit, err := parseOptionalCid(req.SwapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	action := repo.ActionUpdate
	if _, _, err := s.engine.GetRecord(r.Context(), did, req.Collection, req.Rkey); err != nil {
		action = repo.ActionCreate
		// An explicit swapRecord on a missing record is a conflict.
		if swapRecord != nil {
			s.writeError(w, &repo.SwapError{})
			return
		}
	}

	res, err := s.engine.ApplyWrites(r.Context(), did, []repo.WriteOp{{
		Action:     action,
		Collection: req.Collection,
		Rkey:       req.Rkey,
		Record:     value,
		SwapRecord: swapRecord,
	}}, swapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := res.Results[0]
	writeJSON(w, http.StatusOK, recordWriteResponse{
		Uri:    out.Uri,
		Cid:    out.Cid.String(),
		Commit: res.Commit.String(),
		Rev:    res.Rev,
	})
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
	SwapRecord string `json:"swapRecord"`
	SwapCommit string `json:"swapCommit"`
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	var req deleteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	did, err := s.resolveRepoParam(r, req.Repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireOwner(r, did); err != nil {
		s.writeError(w, err)
		return
	}
	swapRecord, err := parseOptionalCid(req.SwapRecord)
	if err != nil {
		s.writeError(w, err)
		return
	}
	swapCommit, err := parseOptionalCid(req.SwapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.ApplyWrites(r.Context(), did, []repo.WriteOp{{
		Action:     repo.ActionDelete,
		Collection: req.Collection,
		Rkey:       req.Rkey,
		SwapRecord: swapRecord,
	}}, swapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"commit": res.Commit.String(),
		"rev":    res.Rev,
	})
}

type applyWritesRequest struct {
	Repo       string            `json:"repo"`
	SwapCommit string            `json:"swapCommit"`
	Writes     []applyWritesItem `json:"writes"`
}

type applyWritesItem struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Value      json.RawMessage `json:"value"`
	SwapRecord string          `json:"swapRecord"`
}

func (s *Server) handleApplyWrites(w http.ResponseWriter, r *http.Request) {
	var req applyWritesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	did, err := s.resolveRepoParam(r, req.Repo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := requireOwner(r, did); err != nil {
		s.writeError(w, err)
		return
	}
	swapCommit, err := parseOptionalCid(req.SwapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ops := make([]repo.WriteOp, 0, len(req.Writes))
	for _, item := range req.Writes {
		op := repo.WriteOp{
			Action:     repo.Action(item.Action),
			Collection: item.Collection,
			Rkey:       item.Rkey,
		}
		if len(item.Value) > 0 {
			value, err := decodeRecordValue(item.Value)
			if err != nil {
				s.writeError(w, err)
				return
			}
			op.Record = value
		}
		swapRecord, err := parseOptionalCid(item.SwapRecord)
		if err != nil {
			s.writeError(w, err)
			return
		}
		op.SwapRecord = swapRecord
		ops = append(ops, op)
	}

	res, err := s.engine.ApplyWrites(r.Context(), did, ops, swapCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	results := make([]map[string]string, len(res.Results))
	for i, out := range res.Results {
		entry := map[string]string{"action": string(out.Action), "uri": out.Uri}
		if out.Cid.Defined() {
			entry["cid"] = out.Cid.String()
		}
		results[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commit":  res.Commit.String(),
		"rev":     res.Rev,
		"results": results,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did, err := s.resolveRepoParam(r, q.Get("repo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, data, err := s.engine.GetRecord(r.Context(), did, q.Get("collection"), q.Get("rkey"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	value, err := recordToJSON(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":   rec.Uri,
		"cid":   rec.Cid.String(),
		"value": value,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did, err := s.resolveRepoParam(r, q.Get("repo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	reverse := q.Get("reverse") == "true"

	store, err := s.engine.Store(did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := store.ListRecords(r.Context(), q.Get("collection"), limit, q.Get("cursor"), reverse)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		data, err := store.Get(r.Context(), rec.Cid)
		if err != nil {
			s.writeError(w, err)
			return
		}
		value, err := recordToJSON(data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		items = append(items, map[string]any{
			"uri":   rec.Uri,
			"cid":   rec.Cid.String(),
			"value": value,
		})
	}
	resp := map[string]any{"records": items}
	if len(records) == limit {
		resp["cursor"] = records[len(records)-1].Rkey
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveRepoParam(r, r.URL.Query().Get("repo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	head, rev, err := s.engine.Head(r.Context(), did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	store, err := s.engine.Store(did)
	if err != nil {
		s.writeError(w, err)
		return
	}
	collections, err := store.ListCollections(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	handle := ""
	if acct, err := s.accounts.GetAccount(r.Context(), did); err == nil {
		handle = acct.Handle
	}
	var didDoc any
	if doc, err := s.resolver.ResolveDid(r.Context(), did); err == nil {
		didDoc = doc
	}
	if collections == nil {
		collections = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":         did,
		"handle":      handle,
		"didDoc":      didDoc,
		"collections": collections,
		"head":        head.String(),
		"rev":         rev,
	})
}

// handleUploadBlob stages a pending blob and returns its reference. The
// blob becomes permanent when a record referencing it commits.
func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(body) > maxUploadSize {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "blob exceeds size limit"})
		return
	}
	mime := r.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	c, err := ipld.CidForRaw(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.blobs.PutPending(r.Context(), c, strings.NewReader(string(body))); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.meta.AddPendingBlob(r.Context(), claims.Did, c, mime, int64(len(body))); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": c.String()},
			"mimeType": mime,
			"size":     len(body),
		},
	})
}
