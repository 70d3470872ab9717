package xrpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/account"
	"github.com/meridian-pds/meridian/pkg/blobstore"
	"github.com/meridian-pds/meridian/pkg/firehose"
	"github.com/meridian-pds/meridian/pkg/identity"
	"github.com/meridian-pds/meridian/pkg/repo"
	"github.com/meridian-pds/meridian/pkg/servicedb"
)

// Server wires the component layer onto the HTTP surface.
type Server struct {
	accounts *account.Manager
	engine   *repo.Engine
	blobs    blobstore.Store
	meta     *servicedb.DB
	resolver *identity.Resolver
	firehose *firehose.Server
	log      *logrus.Entry

	serviceDid string
}

func NewServer(accounts *account.Manager, engine *repo.Engine, blobs blobstore.Store, meta *servicedb.DB, resolver *identity.Resolver, fh *firehose.Server, serviceDid string, log *logrus.Entry) *Server {
	return &Server{
		accounts:   accounts,
		engine:     engine,
		blobs:      blobs,
		meta:       meta,
		resolver:   resolver,
		firehose:   fh,
		log:        log,
		serviceDid: serviceDid,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/.well-known/atproto-did", s.handleWellKnownDid)
	r.Get("/xrpc/_health", s.handleHealth)

	r.Route("/xrpc", func(r chi.Router) {
		// Server / session surface.
		r.Post("/com.atproto.server.createAccount", s.handleCreateAccount)
		r.Post("/com.atproto.server.createSession", s.handleCreateSession)
		r.Post("/com.atproto.server.refreshSession", s.handleRefreshSession)
		r.Post("/com.atproto.server.deleteSession", s.handleDeleteSession)

		// Repository writes: authenticated.
		r.Group(func(r chi.Router) {
			r.Use(s.authRequired)
			r.Post("/com.atproto.repo.createRecord", s.handleCreateRecord)
			r.Post("/com.atproto.repo.putRecord", s.handlePutRecord)
			r.Post("/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
			r.Post("/com.atproto.repo.applyWrites", s.handleApplyWrites)
			r.Post("/com.atproto.repo.uploadBlob", s.handleUploadBlob)
			r.Post("/com.atproto.server.createAppPassword", s.handleCreateAppPassword)
		})

		// Repository reads: public.
		r.Get("/com.atproto.repo.getRecord", s.handleGetRecord)
		r.Get("/com.atproto.repo.listRecords", s.handleListRecords)
		r.Get("/com.atproto.repo.describeRepo", s.handleDescribeRepo)

		// Sync surface.
		r.Get("/com.atproto.sync.getRepo", s.handleGetRepo)
		r.Get("/com.atproto.sync.getBlocks", s.handleGetBlocks)
		r.Get("/com.atproto.sync.getBlob", s.handleGetBlob)
		r.Get("/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
		r.Get("/com.atproto.sync.subscribeRepos", s.firehose.HandleSubscribe)

		// Identity surface.
		r.Get("/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	})

	return r
}

func (s *Server) handleWellKnownDid(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.serviceDid))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const claimsKey ctxKey = 0

// authRequired extracts and validates the bearer token, placing the
// caller's claims in the request context.
func (s *Server) authRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "AuthenticationRequired", Message: "missing authorization header"})
			return
		}
		claims, err := s.accounts.ValidateAccess(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

func callerClaims(r *http.Request) *account.TokenClaims {
	claims, _ := r.Context().Value(claimsKey).(*account.TokenClaims)
	return claims
}

// resolveRepoParam turns the repo parameter (handle or DID) into a DID.
func (s *Server) resolveRepoParam(r *http.Request, value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "did:") {
		return value, nil
	}
	acct, err := s.accounts.GetAccountByHandle(r.Context(), value)
	if err != nil {
		return "", err
	}
	return acct.Did, nil
}

// requireOwner checks the authenticated caller owns the target DID.
func requireOwner(r *http.Request, did string) error {
	claims := callerClaims(r)
	if claims == nil || claims.Did != did {
		return errForbidden
	}
	return nil
}
