// Package keys holds repository signing keys and produces signatures over
// 32-byte digests. Key bytes never leave the package; callers get a Signer
// and the public key in did:key form for DID documents.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/multiformats/go-multibase"
)

// Signer signs a 32-byte digest, returning a compact 64-byte r||s
// signature with the low-s form enforced.
type Signer interface {
	Sign(digest [32]byte) ([]byte, error)
	// DidKey returns the public key as a did:key string.
	DidKey() string
	// Algorithm names the curve: "secp256k1" or "p256".
	Algorithm() string
}

// multicodec prefixes for compressed public keys.
var (
	prefixSecp256k1 = []byte{0xe7, 0x01}
	prefixP256      = []byte{0x80, 0x24}
)

// Secp256k1Signer is the default repository signing key type.
type Secp256k1Signer struct {
	priv *btcec.PrivateKey
}

// NewSecp256k1FromHex loads a secp256k1 private key from its hex encoding.
func NewSecp256k1FromHex(h string) (*Secp256k1Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("parse signing key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("signing key length %d, expected 32", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Secp256k1Signer{priv: priv}, nil
}

// GenerateSecp256k1 creates a fresh signing key and returns it with its hex
// encoding for persistence.
func GenerateSecp256k1() (*Secp256k1Signer, string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate signing key: %w", err)
	}
	return &Secp256k1Signer{priv: priv}, hex.EncodeToString(priv.Serialize()), nil
}

// Sign produces a compact 64-byte signature over digest.
func (s *Secp256k1Signer) Sign(digest [32]byte) ([]byte, error) {
	// SignCompact is deterministic (RFC 6979) and low-s; drop the leading
	// recovery byte to get the bare r||s form.
	sig := btcecdsa.SignCompact(s.priv, digest[:], false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("sign: unexpected compact signature length %d", len(sig))
	}
	return sig[1:], nil
}

func (s *Secp256k1Signer) DidKey() string {
	return encodeDidKey(prefixSecp256k1, s.priv.PubKey().SerializeCompressed())
}

func (s *Secp256k1Signer) Algorithm() string { return "secp256k1" }

// P256Signer signs with NIST P-256, accepted as an alternative repository
// key type.
type P256Signer struct {
	priv *ecdsa.PrivateKey
}

// NewP256FromHex loads a P-256 private key scalar from hex.
func NewP256FromHex(h string) (*P256Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("parse signing key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("signing key length %d, expected 32", len(raw))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("signing key scalar out of range")
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(raw)
	return &P256Signer{priv: priv}, nil
}

// GenerateP256 creates a fresh P-256 signing key.
func GenerateP256() (*P256Signer, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate signing key: %w", err)
	}
	raw := make([]byte, 32)
	priv.D.FillBytes(raw)
	return &P256Signer{priv: priv}, hex.EncodeToString(raw), nil
}

// Sign produces a compact 64-byte low-s signature over digest.
func (s *P256Signer) Sign(digest [32]byte) ([]byte, error) {
	r, sv, err := ecdsa.Sign(rand.Reader, s.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	n := s.priv.Curve.Params().N
	halfN := new(big.Int).Rsh(n, 1)
	if sv.Cmp(halfN) > 0 {
		sv = new(big.Int).Sub(n, sv)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	sv.FillBytes(out[32:])
	return out, nil
}

func (s *P256Signer) DidKey() string {
	return encodeDidKey(prefixP256, elliptic.MarshalCompressed(s.priv.Curve, s.priv.X, s.priv.Y))
}

func (s *P256Signer) Algorithm() string { return "p256" }

func encodeDidKey(prefix, compressed []byte) string {
	raw := append(append([]byte{}, prefix...), compressed...)
	enc, err := multibase.Encode(multibase.Base58BTC, raw)
	if err != nil {
		// Base58BTC is always registered; an error here is a programming bug.
		panic(fmt.Sprintf("keys: multibase encode: %v", err))
	}
	return "did:key:" + enc
}

// Digest is the SHA-256 convenience used for commit signing payloads.
func Digest(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// VerifySecp256k1 checks a compact signature against a compressed public key.
func VerifySecp256k1(pubCompressed []byte, digest [32]byte, sig []byte) (bool, error) {
	if len(sig) != 64 {
		return false, fmt.Errorf("verify: signature length %d, expected 64", len(sig))
	}
	pub, err := btcec.ParsePubKey(pubCompressed)
	if err != nil {
		return false, fmt.Errorf("verify: parse public key: %w", err)
	}
	var r, sv btcec.ModNScalar
	if r.SetByteSlice(sig[:32]) || sv.SetByteSlice(sig[32:]) {
		return false, fmt.Errorf("verify: signature component out of range")
	}
	return btcecdsa.NewSignature(&r, &sv).Verify(digest[:], pub), nil
}
