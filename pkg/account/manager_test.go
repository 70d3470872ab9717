package account

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/sequencer"
	"github.com/meridian-pds/meridian/pkg/servicedb"
)

func testManager(t *testing.T, inviteRequired bool) (*Manager, *sequencer.Sequencer) {
	t.Helper()
	db, err := servicedb.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	entry := logrus.NewEntry(log)
	seq := sequencer.New(db.DB, entry)

	cfg := Config{
		ServiceDid:     "did:web:pds.test",
		JwtSecret:      []byte("test-jwt-secret-32-bytes-long!!!"),
		InviteRequired: inviteRequired,
		PublicURL:      "https://pds.test",
	}
	return NewManager(db.DB, seq, cfg, "did:key:zQ3shtestsigningkey", entry), seq
}

func TestCreateAccountAndSession(t *testing.T) {
	ctx := context.Background()
	m, seq := testManager(t, false)

	acct, err := m.CreateAccount(ctx, "Alice.Test", "alice@example.com", "hunter22pass", "")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if !strings.HasPrefix(acct.Did, "did:plc:") {
		t.Errorf("did: %q", acct.Did)
	}
	if acct.Handle != "alice.test" {
		t.Errorf("handle not normalized: %q", acct.Handle)
	}

	// Creation emitted identity + account events.
	events, err := seq.RangeFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("RangeFrom: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events after create: %d, want 2", len(events))
	}
	if events[0].Type != sequencer.EvtIdentity || events[1].Type != sequencer.EvtAccount {
		t.Errorf("event types: %v %v", events[0].Type, events[1].Type)
	}

	// Duplicate handle is a conflict.
	if _, err := m.CreateAccount(ctx, "alice.test", "", "anotherpass1", ""); !errors.Is(err, ErrHandleTaken) {
		t.Errorf("duplicate handle: got %v, want ErrHandleTaken", err)
	}

	sess, err := m.CreateSession(ctx, "alice.test", "hunter22pass")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Did != acct.Did || sess.AccessJwt == "" || sess.RefreshJwt == "" {
		t.Fatalf("session: %+v", sess)
	}

	claims, err := m.ValidateAccess(ctx, sess.AccessJwt)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.Did != acct.Did || claims.Scope != ScopeAccess {
		t.Errorf("claims: %+v", claims)
	}

	if _, err := m.CreateSession(ctx, "alice.test", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
}

func TestRefreshTokenIsOneShot(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, false)

	if _, err := m.CreateAccount(ctx, "bob.test", "", "password123", ""); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess, err := m.CreateSession(ctx, "bob.test", "password123")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	fresh, err := m.RefreshSession(ctx, sess.RefreshJwt)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if fresh.AccessJwt == sess.AccessJwt || fresh.RefreshJwt == sess.RefreshJwt {
		t.Error("refresh did not rotate tokens")
	}

	// Replaying the consumed refresh token fails.
	if _, err := m.RefreshSession(ctx, sess.RefreshJwt); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("replayed refresh: got %v, want ErrInvalidToken", err)
	}

	// The new pair still works.
	if _, err := m.ValidateAccess(ctx, fresh.AccessJwt); err != nil {
		t.Errorf("rotated access token: %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, false)
	if _, err := m.CreateAccount(ctx, "carol.test", "", "password123", ""); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess, err := m.CreateSession(ctx, "carol.test", "password123")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.DeleteSession(ctx, sess.RefreshJwt); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.RefreshSession(ctx, sess.RefreshJwt); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh after delete: got %v", err)
	}
}

func TestAppPasswords(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, false)
	acct, err := m.CreateAccount(ctx, "dave.test", "", "primary-pass1", "")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	plain, err := m.CreateAppPassword(ctx, acct.Did, "mobile-client")
	if err != nil {
		t.Fatalf("CreateAppPassword: %v", err)
	}
	if len(plain) != 19 || strings.Count(plain, "-") != 3 {
		t.Errorf("app password form: %q", plain)
	}

	sess, err := m.CreateSession(ctx, "dave.test", plain)
	if err != nil {
		t.Fatalf("CreateSession with app password: %v", err)
	}
	claims, err := m.ValidateAccess(ctx, sess.AccessJwt)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.Scope != ScopeAppPassword {
		t.Errorf("scope: %q, want app password scope", claims.Scope)
	}

	if err := m.RevokeAppPassword(ctx, acct.Did, "mobile-client"); err != nil {
		t.Fatalf("RevokeAppPassword: %v", err)
	}
	if _, err := m.CreateSession(ctx, "dave.test", plain); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked app password still works: %v", err)
	}
	// The revoked credential's refresh tokens died with it.
	if _, err := m.RefreshSession(ctx, sess.RefreshJwt); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh for revoked app password: %v", err)
	}
}

func TestInviteFlow(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, true)

	if _, err := m.CreateAccount(ctx, "eve.test", "", "password123", ""); !errors.Is(err, ErrInviteRequired) {
		t.Fatalf("no invite: got %v, want ErrInviteRequired", err)
	}
	if _, err := m.CreateAccount(ctx, "eve.test", "", "password123", "nope-nope"); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("bad invite: got %v, want ErrInviteInvalid", err)
	}

	code, err := m.CreateInvite(ctx, "", 1)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if _, err := m.CreateAccount(ctx, "eve.test", "", "password123", code); err != nil {
		t.Fatalf("CreateAccount with invite: %v", err)
	}
	// The single use is spent.
	if _, err := m.CreateAccount(ctx, "frank.test", "", "password123", code); !errors.Is(err, ErrInviteInvalid) {
		t.Errorf("exhausted invite: got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	m, seq := testManager(t, false)
	acct, err := m.CreateAccount(ctx, "grace.test", "", "password123", "")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	sess, err := m.CreateSession(ctx, "grace.test", "password123")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := m.SetStatus(ctx, acct.Did, StatusTakendown); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	// Taken-down accounts cannot authenticate, and existing tokens stop
	// validating.
	if _, err := m.CreateSession(ctx, "grace.test", "password123"); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("login while takendown: %v", err)
	}
	if _, err := m.ValidateAccess(ctx, sess.AccessJwt); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("access while takendown: %v", err)
	}

	events, err := seq.RangeFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("RangeFrom: %v", err)
	}
	last := events[len(events)-1]
	evt, err := last.DecodeAccount()
	if err != nil {
		t.Fatalf("DecodeAccount: %v", err)
	}
	if evt.Active || evt.Status == nil || *evt.Status != string(StatusTakendown) {
		t.Errorf("takedown event: %+v", evt)
	}

	if err := m.SetStatus(ctx, acct.Did, StatusActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := m.CreateSession(ctx, "grace.test", "password123"); err != nil {
		t.Errorf("login after reactivation: %v", err)
	}
}

func TestUpdateHandle(t *testing.T) {
	ctx := context.Background()
	m, seq := testManager(t, false)
	acct, err := m.CreateAccount(ctx, "old.test", "", "password123", "")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := m.CreateAccount(ctx, "taken.test", "", "password123", ""); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := m.UpdateHandle(ctx, acct.Did, "taken.test"); !errors.Is(err, ErrHandleTaken) {
		t.Errorf("collision: got %v", err)
	}
	if err := m.UpdateHandle(ctx, acct.Did, "new.test"); err != nil {
		t.Fatalf("UpdateHandle: %v", err)
	}
	got, err := m.GetAccount(ctx, acct.Did)
	if err != nil || got.Handle != "new.test" {
		t.Errorf("handle after update: %v %q", err, got.Handle)
	}

	events, _ := seq.RangeFrom(ctx, 0, 20)
	last := events[len(events)-1]
	evt, err := last.DecodeIdentity()
	if err != nil {
		t.Fatalf("DecodeIdentity: %v", err)
	}
	if evt.Handle == nil || *evt.Handle != "new.test" {
		t.Errorf("identity event: %+v", evt)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash form: %q", hash)
	}
	ok, err := VerifyPassword(hash, "correct horse battery staple")
	if err != nil || !ok {
		t.Errorf("verify correct password: %v %v", ok, err)
	}
	ok, err = VerifyPassword(hash, "wrong")
	if err != nil || ok {
		t.Errorf("verify wrong password: %v %v", ok, err)
	}
}
