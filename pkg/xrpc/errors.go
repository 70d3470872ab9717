// Package xrpc is the HTTP surface: the com.atproto.* endpoints, bearer
// authentication, the JSON error envelope, and the WebSocket upgrade for
// the firehose.
package xrpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meridian-pds/meridian/pkg/account"
	"github.com/meridian-pds/meridian/pkg/blobstore"
	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/identity"
	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/repo"
)

// errorBody is the wire envelope for failures.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errForbidden marks authorization failures (authenticated caller, wrong
// repository).
var errForbidden = errors.New("xrpc: caller does not own this repository")

// writeError maps an internal error onto the envelope and status code.
// Internal detail is logged, never echoed.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "InternalServerError"
	message := "internal error"

	var swapErr *repo.SwapError
	switch {
	case errors.As(err, &swapErr):
		status, code = http.StatusConflict, "InvalidSwap"
		// Carry the current state so clients can rebase.
		message = swapErr.Error()
	case errors.Is(err, repo.ErrRecordExists),
		errors.Is(err, account.ErrHandleTaken):
		status, code, message = http.StatusConflict, "Conflict", err.Error()
	case errors.Is(err, repo.ErrValidation),
		errors.Is(err, repo.ErrNoWrites),
		errors.Is(err, repo.ErrBlobNotFound),
		errors.Is(err, blobstore.ErrCidMismatch),
		errors.Is(err, account.ErrInviteRequired),
		errors.Is(err, account.ErrInviteInvalid):
		status, code, message = http.StatusBadRequest, "InvalidRequest", err.Error()
	case errors.Is(err, account.ErrInvalidCredentials),
		errors.Is(err, account.ErrInvalidToken):
		status, code, message = http.StatusUnauthorized, "AuthenticationRequired", "invalid credentials or token"
	case errors.Is(err, account.ErrAccountInactive):
		status, code, message = http.StatusForbidden, "AccountInactive", err.Error()
	case errors.Is(err, errForbidden):
		status, code, message = http.StatusForbidden, "Forbidden", err.Error()
	case errors.Is(err, repo.ErrRecordNotFound),
		errors.Is(err, repo.ErrRepoNotFound),
		errors.Is(err, blockstore.ErrNotFound),
		errors.Is(err, blobstore.ErrNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, identity.ErrNotFound):
		status, code, message = http.StatusNotFound, "NotFound", err.Error()
	case errors.Is(err, identity.ErrTransient):
		status, code, message = http.StatusServiceUnavailable, "UpstreamFailure", "transient upstream failure"
	case errors.Is(err, repo.ErrLockBusy):
		status, code, message = http.StatusConflict, "ConcurrentWrite", err.Error()
	case errors.Is(err, ipld.ErrIntegrity):
		// Operator alarm: stored bytes no longer match their address.
		s.log.WithError(err).Error("INTEGRITY FAILURE")
		code = "IntegrityError"
	default:
		s.log.WithError(err).Error("unhandled request error")
	}

	if status >= 500 && code != "IntegrityError" {
		s.log.WithError(err).WithField("status", status).Error("request failed")
	}
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
