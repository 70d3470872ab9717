package xrpc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/meridian-pds/meridian/pkg/account"
)

// handleResolveHandle maps a handle to its DID: local accounts first,
// then the network resolver.
func (s *Server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	handle := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("handle")))
	if handle == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "handle parameter required"})
		return
	}

	if acct, err := s.accounts.GetAccountByHandle(r.Context(), handle); err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"did": acct.Did})
		return
	} else if !errors.Is(err, account.ErrNotFound) {
		s.writeError(w, err)
		return
	}

	did, err := s.resolver.ResolveHandle(r.Context(), handle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"did": did})
}
