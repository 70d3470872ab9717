package xrpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type createAccountRequest struct {
	Handle     string `json:"handle"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode"`
}

type sessionResponse struct {
	Did        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// handleCreateAccount registers the account, creates the genesis commit,
// and returns a fresh session.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}

	acct, err := s.accounts.CreateAccount(r.Context(), req.Handle, req.Email, req.Password, req.InviteCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.engine.InitRepo(r.Context(), acct.Did); err != nil {
		s.writeError(w, fmt.Errorf("genesis commit: %w", err))
		return
	}
	sess, err := s.accounts.CreateSession(r.Context(), acct.Handle, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Did:        sess.Did,
		Handle:     sess.Handle,
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
	})
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	sess, err := s.accounts.CreateSession(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Did:        sess.Did,
		Handle:     sess.Handle,
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
	})
}

// handleRefreshSession consumes the refresh token in the Authorization
// header and issues a new pair.
func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "AuthenticationRequired", Message: "missing refresh token"})
		return
	}
	sess, err := s.accounts.RefreshSession(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Did:        sess.Did,
		Handle:     sess.Handle,
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "AuthenticationRequired", Message: "missing refresh token"})
		return
	}
	if err := s.accounts.DeleteSession(r.Context(), token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type createAppPasswordRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateAppPassword(w http.ResponseWriter, r *http.Request) {
	var req createAppPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "InvalidRequest", Message: "malformed body"})
		return
	}
	claims := callerClaims(r)
	plain, err := s.accounts.CreateAppPassword(r.Context(), claims.Did, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name, "password": plain})
}
