package account

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/sequencer"
)

// Status is an account lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusTakendown   Status = "takendown"
	StatusDeactivated Status = "deactivated"
	StatusDeleted     Status = "deleted"
)

var (
	// ErrInvalidCredentials reports a failed identifier/password check.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrHandleTaken reports a handle collision.
	ErrHandleTaken = errors.New("account: handle already taken")
	// ErrNotFound reports an absent account.
	ErrNotFound = errors.New("account: not found")
	// ErrAccountInactive reports a non-active account on a gated path.
	ErrAccountInactive = errors.New("account: account is not active")
	// ErrInviteRequired reports account creation without a code while
	// invites are enforced.
	ErrInviteRequired = errors.New("account: invite code required")
	// ErrInviteInvalid reports an unusable invite code.
	ErrInviteInvalid = errors.New("account: invite code invalid or exhausted")
)

// Account is one service-database account row.
type Account struct {
	Did       string
	Handle    string
	Email     string
	Status    Status
	CreatedAt time.Time
}

// Session is an issued token pair.
type Session struct {
	Did        string
	Handle     string
	AccessJwt  string
	RefreshJwt string
}

// Config parameterizes the manager.
type Config struct {
	ServiceDid     string
	JwtSecret      []byte
	InviteRequired bool
	// PublicURL is this server's endpoint, recorded in generated DIDs.
	PublicURL string
}

// Manager owns the account tables of the service database and emits
// identity/account events into the sequencer as state changes.
type Manager struct {
	db            *sql.DB
	issuer        *tokenIssuer
	seq           *sequencer.Sequencer
	cfg           Config
	signingDidKey string
	log           *logrus.Entry
}

func NewManager(db *sql.DB, seq *sequencer.Sequencer, cfg Config, signingDidKey string, log *logrus.Entry) *Manager {
	return &Manager{
		db:            db,
		issuer:        &tokenIssuer{secret: cfg.JwtSecret, serviceDid: cfg.ServiceDid},
		seq:           seq,
		cfg:           cfg,
		signingDidKey: signingDidKey,
		log:           log,
	}
}

func validateHandle(handle string) error {
	if len(handle) < 3 || len(handle) > 253 {
		return fmt.Errorf("handle length %d out of range", len(handle))
	}
	segments := strings.Split(handle, ".")
	if len(segments) < 2 {
		return fmt.Errorf("handle %q is not a domain name", handle)
	}
	for _, seg := range segments {
		if seg == "" || strings.HasPrefix(seg, "-") || strings.HasSuffix(seg, "-") {
			return fmt.Errorf("handle %q has a malformed segment", handle)
		}
		for _, c := range seg {
			if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
				return fmt.Errorf("handle %q has an invalid character", handle)
			}
		}
	}
	return nil
}

// CreateAccount registers an account: handle validation and uniqueness,
// invite consumption when enforced, a memory-hard password hash, and a
// derived did:plc identifier. The caller creates the genesis commit.
func (m *Manager) CreateAccount(ctx context.Context, handle, email, password, inviteCode string) (*Account, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if err := validateHandle(handle); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("create account: password too short")
	}

	if m.cfg.InviteRequired {
		if inviteCode == "" {
			return nil, ErrInviteRequired
		}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	did, err := GeneratePlcDid(m.signingDidKey, handle, m.cfg.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	now := time.Now().UTC()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM account WHERE handle = ?`, handle).Scan(&one)
	if err == nil {
		return nil, ErrHandleTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("create account: %w", err)
	}

	if m.cfg.InviteRequired {
		if err := consumeInvite(ctx, tx, inviteCode, did); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account (did, handle, email, password_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		did, handle, email, hash, string(StatusActive), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	acct := &Account{Did: did, Handle: handle, Email: email, Status: StatusActive, CreatedAt: now}
	m.emitIdentity(ctx, did, handle)
	m.emitAccount(ctx, did, StatusActive)
	return acct, nil
}

func consumeInvite(ctx context.Context, tx *sql.Tx, code, usedBy string) error {
	var available, disabled, used int
	err := tx.QueryRowContext(ctx, `
		SELECT i.available_uses, i.disabled,
		       (SELECT COUNT(*) FROM invite_code_use u WHERE u.code = i.code)
		FROM invite_code i WHERE i.code = ?`, code).Scan(&available, &disabled, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInviteInvalid
	}
	if err != nil {
		return fmt.Errorf("consume invite: %w", err)
	}
	if disabled != 0 || used >= available {
		return ErrInviteInvalid
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO invite_code_use (code, used_by, used_at) VALUES (?, ?, ?)`,
		code, usedBy, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("consume invite: %w", err)
	}
	return nil
}

// CreateInvite mints an invite code with a use budget.
func (m *Manager) CreateInvite(ctx context.Context, forAccount string, uses int) (string, error) {
	if uses <= 0 {
		uses = 1
	}
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("create invite: %w", err)
	}
	enc := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw))
	code := enc[:5] + "-" + enc[5:10]
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO invite_code (code, available_uses, disabled, for_account, created_at)
		VALUES (?, ?, 0, ?, ?)`,
		code, uses, forAccount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("create invite: %w", err)
	}
	return code, nil
}

// GetAccount looks up by DID.
func (m *Manager) GetAccount(ctx context.Context, did string) (*Account, error) {
	return m.getAccount(ctx, `did = ?`, did)
}

// GetAccountByHandle looks up by handle.
func (m *Manager) GetAccountByHandle(ctx context.Context, handle string) (*Account, error) {
	return m.getAccount(ctx, `handle = ?`, strings.ToLower(strings.TrimSpace(handle)))
}

// ListDids returns the DIDs of every non-deleted account, for sweepers
// and backup.
func (m *Manager) ListDids(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT did FROM account WHERE status != ?`, string(StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("list dids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("list dids: %w", err)
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

func (m *Manager) getAccount(ctx context.Context, where string, arg any) (*Account, error) {
	var a Account
	var status, createdAt string
	var email sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT did, handle, email, status, created_at FROM account WHERE `+where, arg).
		Scan(&a.Did, &a.Handle, &email, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Email = email.String
	a.Status = Status(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// CreateSession authenticates with the primary password or an app
// password and issues a token pair. The identifier may be a handle or a
// DID.
func (m *Manager) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	var acct *Account
	var err error
	if strings.HasPrefix(identifier, "did:") {
		acct, err = m.GetAccount(ctx, identifier)
	} else {
		acct, err = m.GetAccountByHandle(ctx, identifier)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusActive {
		return nil, ErrAccountInactive
	}

	var hash string
	if err := m.db.QueryRowContext(ctx, `SELECT password_hash FROM account WHERE did = ?`, acct.Did).Scan(&hash); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	scope := ScopeAccess
	appName := ""
	ok, err := VerifyPassword(hash, password)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !ok {
		appName, err = m.matchAppPassword(ctx, acct.Did, password)
		if err != nil {
			return nil, err
		}
		if appName == "" {
			return nil, ErrInvalidCredentials
		}
		scope = ScopeAppPassword
	}

	return m.issueSession(ctx, acct, scope, appName)
}

func (m *Manager) matchAppPassword(ctx context.Context, did, password string) (string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name, password_hash FROM app_password WHERE did = ?`, did)
	if err != nil {
		return "", fmt.Errorf("match app password: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return "", fmt.Errorf("match app password: %w", err)
		}
		ok, err := VerifyPassword(hash, password)
		if err != nil {
			continue
		}
		if ok {
			return name, nil
		}
	}
	return "", rows.Err()
}

func (m *Manager) issueSession(ctx context.Context, acct *Account, scope, appName string) (*Session, error) {
	access, refresh, jti, err := m.issuer.issuePair(acct.Did, scope)
	if err != nil {
		return nil, err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO refresh_token (id, did, app_password_name, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		jti, acct.Did, appName,
		time.Now().Add(refreshTTL).UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	return &Session{Did: acct.Did, Handle: acct.Handle, AccessJwt: access, RefreshJwt: refresh}, nil
}

// RefreshSession consumes a refresh token: the old token's server-side
// record is deleted and a fresh pair is issued. Replaying a consumed
// refresh token fails.
func (m *Manager) RefreshSession(ctx context.Context, refreshJwt string) (*Session, error) {
	claims, err := m.issuer.validate(refreshJwt, ScopeRefresh)
	if err != nil {
		return nil, err
	}

	var appName, expiresAt string
	err = m.db.QueryRowContext(ctx,
		`SELECT app_password_name, expires_at FROM refresh_token WHERE id = ?`, claims.Jti).
		Scan(&appName, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token already consumed", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE id = ?`, claims.Jti); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if exp, err := time.Parse(time.RFC3339, expiresAt); err == nil && time.Now().After(exp) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidToken)
	}

	acct, err := m.GetAccount(ctx, claims.Did)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusActive {
		return nil, ErrAccountInactive
	}
	scope := ScopeAccess
	if appName != "" {
		scope = ScopeAppPassword
	}
	return m.issueSession(ctx, acct, scope, appName)
}

// DeleteSession invalidates the session behind a refresh token.
func (m *Manager) DeleteSession(ctx context.Context, refreshJwt string) error {
	claims, err := m.issuer.validate(refreshJwt, ScopeRefresh)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE id = ?`, claims.Jti); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ValidateAccess checks an access token by signature and confirms the
// account is still active. Returns the caller's claims.
func (m *Manager) ValidateAccess(ctx context.Context, accessJwt string) (*TokenClaims, error) {
	claims, err := m.issuer.validate(accessJwt, ScopeAccess)
	if err != nil {
		return nil, err
	}
	acct, err := m.GetAccount(ctx, claims.Did)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusActive {
		return nil, ErrAccountInactive
	}
	return claims, nil
}

// CreateAppPassword mints a named secondary credential and returns its
// cleartext exactly once.
func (m *Manager) CreateAppPassword(ctx context.Context, did, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("create app password: name required")
	}
	plain, err := GenerateAppPassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(plain)
	if err != nil {
		return "", err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO app_password (did, name, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		did, name, hash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("create app password: %w", err)
	}
	return plain, nil
}

// RevokeAppPassword deletes a named credential and any sessions it
// opened.
func (m *Manager) RevokeAppPassword(ctx context.Context, did, name string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM app_password WHERE did = ? AND name = ?`, did, name); err != nil {
		return fmt.Errorf("revoke app password: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE did = ? AND app_password_name = ?`, did, name); err != nil {
		return fmt.Errorf("revoke app password: %w", err)
	}
	return nil
}

// UpdateHandle changes an account's handle and announces the new mapping.
func (m *Manager) UpdateHandle(ctx context.Context, did, handle string) error {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if err := validateHandle(handle); err != nil {
		return fmt.Errorf("update handle: %w", err)
	}
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM account WHERE handle = ? AND did != ?`, handle, did).Scan(&one)
	if err == nil {
		return ErrHandleTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update handle: %w", err)
	}
	res, err := m.db.ExecContext(ctx, `UPDATE account SET handle = ? WHERE did = ?`, handle, did)
	if err != nil {
		return fmt.Errorf("update handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	m.emitIdentity(ctx, did, handle)
	return nil
}

// SetStatus transitions an account and emits the account event. The
// repository itself is only destroyed on terminal deletion, by the
// caller.
func (m *Manager) SetStatus(ctx context.Context, did string, status Status) error {
	res, err := m.db.ExecContext(ctx, `UPDATE account SET status = ? WHERE did = ?`, string(status), did)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if status != StatusActive {
		// Cut every live session.
		if _, err := m.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE did = ?`, did); err != nil {
			m.log.WithError(err).WithField("did", did).Warn("session cleanup failed")
		}
	}
	m.emitAccount(ctx, did, status)
	return nil
}

func (m *Manager) emitIdentity(ctx context.Context, did, handle string) {
	h := handle
	evt := sequencer.IdentityEvt{Did: did, Handle: &h, Time: time.Now().UTC().Format(time.RFC3339Nano)}
	if _, err := m.seq.Append(context.WithoutCancel(ctx), did, sequencer.EvtIdentity, evt); err != nil {
		m.log.WithError(err).WithField("did", did).Error("identity event append failed")
	}
}

func (m *Manager) emitAccount(ctx context.Context, did string, status Status) {
	evt := sequencer.AccountEvt{
		Did:    did,
		Active: status == StatusActive,
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if status != StatusActive {
		s := string(status)
		evt.Status = &s
	}
	if _, err := m.seq.Append(context.WithoutCancel(ctx), did, sequencer.EvtAccount, evt); err != nil {
		m.log.WithError(err).WithField("did", did).Error("account event append failed")
	}
}
