package account

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// plcGenesisOp is the unsigned creation operation a did:plc identifier is
// derived from: the DID is the truncated base32 SHA-256 of its canonical
// encoding, which ties the identifier to its initial keys and service.
type plcGenesisOp struct {
	Type        string            `cbor:"type"`
	RotationKey string            `cbor:"rotationKey"`
	SigningKey  string            `cbor:"signingKey"`
	Handle      string            `cbor:"handle"`
	Service     string            `cbor:"service"`
	Prev        *string           `cbor:"prev"`
	Extra       map[string]string `cbor:"extra,omitempty"`
}

var plcBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GeneratePlcDid derives a did:plc identifier from the signing key,
// handle, and service endpoint.
func GeneratePlcDid(signingKey, handle, serviceEndpoint string) (string, error) {
	op := plcGenesisOp{
		Type:        "create",
		RotationKey: signingKey,
		SigningKey:  signingKey,
		Handle:      handle,
		Service:     serviceEndpoint,
	}
	data, err := ipld.Marshal(op)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	enc := strings.ToLower(plcBase32.EncodeToString(sum[:]))
	return "did:plc:" + enc[:24], nil
}
