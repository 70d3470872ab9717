package keys

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/multiformats/go-multibase"
)

func TestSecp256k1SignVerify(t *testing.T) {
	signer, keyHex, err := GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1: %v", err)
	}
	if len(keyHex) != 64 {
		t.Errorf("key hex length: got %d, want 64", len(keyHex))
	}

	digest := Digest([]byte("commit payload"))
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length: got %d, want 64", len(sig))
	}

	pub, err := pubFromDidKey(signer.DidKey())
	if err != nil {
		t.Fatalf("pubFromDidKey: %v", err)
	}
	ok, err := VerifySecp256k1(pub, digest, sig)
	if err != nil {
		t.Fatalf("VerifySecp256k1: %v", err)
	}
	if !ok {
		t.Error("valid signature did not verify")
	}

	digest[0] ^= 0xff
	ok, err = VerifySecp256k1(pub, digest, sig)
	if err != nil {
		t.Fatalf("VerifySecp256k1: %v", err)
	}
	if ok {
		t.Error("signature verified against wrong digest")
	}
}

func TestSecp256k1Deterministic(t *testing.T) {
	signer, keyHex, err := GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1: %v", err)
	}
	reloaded, err := NewSecp256k1FromHex(keyHex)
	if err != nil {
		t.Fatalf("NewSecp256k1FromHex: %v", err)
	}

	digest := Digest([]byte("payload"))
	a, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := reloaded.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("secp256k1 signing is not deterministic across key reloads")
	}
}

func TestP256SignShape(t *testing.T) {
	signer, keyHex, err := GenerateP256()
	if err != nil {
		t.Fatalf("GenerateP256: %v", err)
	}
	if _, err := NewP256FromHex(keyHex); err != nil {
		t.Fatalf("NewP256FromHex round trip: %v", err)
	}

	sig, err := signer.Sign(Digest([]byte("payload")))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length: got %d, want 64", len(sig))
	}
}

func TestDidKeyForm(t *testing.T) {
	signer, _, err := GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1: %v", err)
	}
	dk := signer.DidKey()
	if !strings.HasPrefix(dk, "did:key:z") {
		t.Errorf("did:key form: %q", dk)
	}
}

func TestNewSecp256k1FromHexRejectsBadInput(t *testing.T) {
	if _, err := NewSecp256k1FromHex("zzzz"); err == nil {
		t.Error("accepted non-hex key")
	}
	short := hex.EncodeToString([]byte("short"))
	if _, err := NewSecp256k1FromHex(short); err == nil {
		t.Error("accepted short key")
	}
}

// pubFromDidKey decodes the compressed public key back out of a did:key
// string, for test verification only.
func pubFromDidKey(dk string) ([]byte, error) {
	enc := strings.TrimPrefix(dk, "did:key:")
	_, raw, err := multibase.Decode(enc)
	if err != nil {
		return nil, err
	}
	return raw[2:], nil // strip multicodec prefix
}
