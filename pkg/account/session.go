package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token scopes. Access tokens authenticate requests; refresh tokens only
// mint new pairs. App-password sessions carry the narrower scope so
// privileged calls can exclude them.
const (
	ScopeAccess      = "com.atproto.access"
	ScopeRefresh     = "com.atproto.refresh"
	ScopeAppPassword = "com.atproto.appPass"
)

const (
	accessTTL  = time.Hour
	refreshTTL = 90 * 24 * time.Hour
)

// ErrInvalidToken reports a token failing signature, expiry, or scope
// checks.
var ErrInvalidToken = errors.New("account: invalid token")

// TokenClaims is what a validated token carries.
type TokenClaims struct {
	Did   string
	Scope string
	Jti   string
}

// tokenIssuer signs and validates session JWTs with the server's HMAC
// secret.
type tokenIssuer struct {
	secret     []byte
	serviceDid string
}

type sessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func (ti *tokenIssuer) issue(did, scope, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Audience:  jwt.ClaimStrings{ti.serviceDid},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

// issuePair mints a fresh access/refresh pair sharing one refresh jti.
func (ti *tokenIssuer) issuePair(did, accessScope string) (access, refresh, jti string, err error) {
	jti = uuid.New().String()
	access, err = ti.issue(did, accessScope, uuid.New().String(), accessTTL)
	if err != nil {
		return "", "", "", err
	}
	refresh, err = ti.issue(did, ScopeRefresh, jti, refreshTTL)
	if err != nil {
		return "", "", "", err
	}
	return access, refresh, jti, nil
}

func (ti *tokenIssuer) validate(token, wantScope string) (*TokenClaims, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithAudience(ti.serviceDid))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if wantScope != "" && claims.Scope != wantScope {
		// Access checks accept both primary and app-password scopes.
		if !(wantScope == ScopeAccess && claims.Scope == ScopeAppPassword) {
			return nil, fmt.Errorf("%w: scope %q", ErrInvalidToken, claims.Scope)
		}
	}
	return &TokenClaims{Did: claims.Subject, Scope: claims.Scope, Jti: claims.ID}, nil
}
