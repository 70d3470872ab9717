// Package pds assembles the server: storage, engine, sequencer, firehose,
// identity, accounts, the HTTP surface, and the background jobs.
package pds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-pds/meridian/pkg/account"
	"github.com/meridian-pds/meridian/pkg/blobstore"
	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/config"
	"github.com/meridian-pds/meridian/pkg/firehose"
	"github.com/meridian-pds/meridian/pkg/identity"
	"github.com/meridian-pds/meridian/pkg/keys"
	"github.com/meridian-pds/meridian/pkg/repo"
	"github.com/meridian-pds/meridian/pkg/sequencer"
	"github.com/meridian-pds/meridian/pkg/servicedb"
	"github.com/meridian-pds/meridian/pkg/xrpc"
)

// Sweep cadences.
const (
	blobSweepInterval      = time.Hour
	blobPendingHorizon     = 24 * time.Hour
	reconcileInterval      = 5 * time.Minute
	eventSweepInterval     = 24 * time.Hour
	invalidatedEventsAfter = 30 * 24 * time.Hour
)

// Service is the assembled server.
type Service struct {
	Cfg      *config.Config
	Log      *logrus.Entry
	DB       *servicedb.DB
	Accounts *account.Manager
	Engine   *repo.Engine
	Seq      *sequencer.Sequencer
	Blobs    blobstore.Store
	Resolver *identity.Resolver
	Actors   *blockstore.Manager

	handler http.Handler
}

// New builds a Service from configuration.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Service, error) {
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	entry := logrus.NewEntry(log)

	db, err := servicedb.Open(filepath.Join(cfg.DataDir, "account.sqlite"))
	if err != nil {
		return nil, err
	}

	var signer keys.Signer
	switch cfg.RepoSigningKeyType {
	case "p256":
		signer, err = keys.NewP256FromHex(cfg.RepoSigningKeyHex)
	default:
		signer, err = keys.NewSecp256k1FromHex(cfg.RepoSigningKeyHex)
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	blobCfg := blobstore.Config{
		Backend:     cfg.Blobstore.Backend,
		DataDir:     cfg.DataDir,
		S3Bucket:    cfg.Blobstore.S3Bucket,
		S3Region:    cfg.Blobstore.S3Region,
		S3Endpoint:  cfg.Blobstore.S3Endpoint,
		S3AccessKey: cfg.Blobstore.S3AccessKey,
		S3SecretKey: cfg.Blobstore.S3SecretKey,
	}
	blobs, err := blobstore.New(ctx, blobCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	seq := sequencer.New(db.DB, entry)
	actors := blockstore.NewManager(cfg.DataDir)
	engine := repo.NewEngine(actors, blobs, db, seq, signer, entry)

	accounts := account.NewManager(db.DB, seq, account.Config{
		ServiceDid:     cfg.ServiceDid,
		JwtSecret:      []byte(cfg.JwtSecret),
		InviteRequired: cfg.InviteRequired,
		PublicURL:      cfg.PublicURL,
	}, signer.DidKey(), entry)

	resolver, err := identity.NewResolver(db.DB, identity.DefaultConfig(), entry)
	if err != nil {
		db.Close()
		return nil, err
	}

	fhCfg := firehose.DefaultConfig()
	if cfg.Firehose.BufferSize > 0 {
		fhCfg.BufferSize = cfg.Firehose.BufferSize
	}
	fhCfg.BackfillOnly = cfg.Firehose.BackfillOnly
	fh := firehose.New(seq, fhCfg, entry)

	api := xrpc.NewServer(accounts, engine, blobs, db, resolver, fh, cfg.ServiceDid, entry)

	return &Service{
		Cfg:      cfg,
		Log:      entry,
		DB:       db,
		Accounts: accounts,
		Engine:   engine,
		Seq:      seq,
		Blobs:    blobs,
		Resolver: resolver,
		Actors:   actors,
		handler:  api.Router(),
	}, nil
}

// Handler exposes the HTTP surface, for embedding and tests.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP and the background jobs until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.Cfg.Addr(),
		Handler: s.handler,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Log.WithField("addr", httpServer.Addr).Info("listening")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return s.blobSweeper(ctx) })
	g.Go(func() error { return s.reconcileSweeper(ctx) })
	g.Go(func() error { return s.eventSweeper(ctx) })

	if s.Cfg.Federation.Enabled {
		g.Go(func() error {
			s.notifyRelays(ctx)
			return nil
		})
	}

	err := g.Wait()
	s.Close()
	return err
}

// Close releases resources.
func (s *Service) Close() {
	s.Actors.Close()
	s.DB.Close()
}

// blobSweeper reaps pending blobs (bytes and metadata) older than the
// horizon.
func (s *Service) blobSweeper(ctx context.Context) error {
	tick := time.NewTicker(blobSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cutoff := time.Now().Add(-blobPendingHorizon)
			n, err := s.Blobs.SweepPending(ctx, cutoff)
			if err != nil {
				s.Log.WithError(err).Warn("blob sweep failed")
				continue
			}
			if _, err := s.DB.SweepPendingBlobs(ctx, cutoff); err != nil {
				s.Log.WithError(err).Warn("blob metadata sweep failed")
			}
			if n > 0 {
				s.Log.WithField("reaped", n).Info("reaped orphaned pending blobs")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// reconcileSweeper repairs repositories whose HEAD advanced without a
// commit event reaching the log.
func (s *Service) reconcileSweeper(ctx context.Context) error {
	tick := time.NewTicker(reconcileInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			dids, err := s.Accounts.ListDids(ctx)
			if err != nil {
				s.Log.WithError(err).Warn("reconcile sweep: list accounts failed")
				continue
			}
			for _, did := range dids {
				if _, err := s.Engine.Reconcile(ctx, did); err != nil {
					s.Log.WithError(err).WithField("did", did).Warn("reconcile failed")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// eventSweeper prunes invalidated events past the audit horizon.
func (s *Service) eventSweeper(ctx context.Context) error {
	tick := time.NewTicker(eventSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if _, err := s.Seq.SweepInvalidated(ctx, time.Now().Add(-invalidatedEventsAfter)); err != nil {
				s.Log.WithError(err).Warn("event sweep failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// DeleteAccount performs terminal deletion: the account row transitions
// to deleted (emitting the account event), sessions die, and the
// repository is destroyed. Prior sequencer events stay intact.
func (s *Service) DeleteAccount(ctx context.Context, did string) error {
	if err := s.Accounts.SetStatus(ctx, did, account.StatusDeleted); err != nil {
		return err
	}
	return s.Engine.DestroyRepo(ctx, did)
}
