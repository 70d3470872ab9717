package repo

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/meridian-pds/meridian/pkg/ipld"
	"github.com/meridian-pds/meridian/pkg/keys"
)

func TestCommitSignEncodeDecode(t *testing.T) {
	signer, _, err := keys.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1: %v", err)
	}

	_, rootCid, err := ipld.MarshalAndCid(map[string]string{"root": "node"})
	if err != nil {
		t.Fatalf("MarshalAndCid: %v", err)
	}

	commit := &Commit{
		Did:     "did:web:alice.test",
		Version: CommitVersion,
		Data:    ipld.NewLink(rootCid),
		Rev:     "3aaaaaaaaaaa2a",
	}
	if _, _, err := commit.Encode(); err == nil {
		t.Error("Encode accepted an unsigned commit")
	}

	if err := commit.Sign(signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, c, err := commit.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeCommit(c, data)
	if err != nil {
		t.Fatalf("DecodeCommit: %v", err)
	}
	if decoded.Did != commit.Did || decoded.Rev != commit.Rev || len(decoded.Sig) != 64 {
		t.Errorf("decoded commit: %+v", decoded)
	}

	// The signing payload excludes the signature: re-deriving it from the
	// signed commit matches the original unsigned bytes.
	p1, err := commit.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	p2, err := decoded.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	if string(p1) != string(p2) {
		t.Error("signing payload not stable across encode/decode")
	}
}

func TestNormalizeRecordNumbersAndLinks(t *testing.T) {
	_, c, err := ipld.MarshalAndCid(map[string]string{"v": "target"})
	if err != nil {
		t.Fatalf("MarshalAndCid: %v", err)
	}

	raw := `{"count": 42, "ratio": 1.5, "ref": {"$link": "` + c.String() + `"}, "tags": ["a", "b"]}`
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("json decode: %v", err)
	}

	norm, err := NormalizeRecord(v)
	if err != nil {
		t.Fatalf("NormalizeRecord: %v", err)
	}
	m := norm.(map[string]any)
	if _, ok := m["count"].(int64); !ok {
		t.Errorf("integral number became %T", m["count"])
	}
	if _, ok := m["ratio"].(float64); !ok {
		t.Errorf("fractional number became %T", m["ratio"])
	}
	link, ok := m["ref"].(ipld.Link)
	if !ok {
		t.Fatalf("$link map became %T", m["ref"])
	}
	if !link.Equals(c) {
		t.Error("link cid mismatch")
	}
}

func TestFindBlobRefs(t *testing.T) {
	_, c, err := ipld.MarshalAndCid(map[string]string{"b": "lob"})
	if err != nil {
		t.Fatalf("MarshalAndCid: %v", err)
	}
	record := map[string]any{
		"text": "post",
		"embed": map[string]any{
			"images": []any{
				map[string]any{
					"$type":    "blob",
					"ref":      ipld.NewLink(c),
					"mimeType": "image/png",
				},
			},
		},
	}
	refs := findBlobRefs(record)
	if len(refs) != 1 || !refs[0].Equals(c) {
		t.Errorf("refs: %v", refs)
	}

	if refs := findBlobRefs(map[string]any{"text": "plain"}); len(refs) != 0 {
		t.Errorf("refs on plain record: %v", refs)
	}
}

func TestValidateBatchRejections(t *testing.T) {
	cases := []struct {
		name string
		ops  []WriteOp
	}{
		{"bad collection", []WriteOp{{Action: ActionCreate, Collection: "nodots", Record: map[string]any{}}}},
		{"delete with record", []WriteOp{{Action: ActionDelete, Collection: "app.test.a", Rkey: "k", Record: map[string]any{}}}},
		{"update without rkey", []WriteOp{{Action: ActionUpdate, Collection: "app.test.a", Record: map[string]any{}}}},
		{"duplicate path", []WriteOp{
			{Action: ActionCreate, Collection: "app.test.a", Rkey: "k", Record: map[string]any{}},
			{Action: ActionDelete, Collection: "app.test.a", Rkey: "k"},
		}},
		{"bad rkey", []WriteOp{{Action: ActionCreate, Collection: "app.test.a", Rkey: "has space", Record: map[string]any{}}}},
	}
	for _, tc := range cases {
		if err := validateBatch(tc.ops); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	ok := []WriteOp{
		{Action: ActionCreate, Collection: "app.test.a", Record: map[string]any{}},
		{Action: ActionDelete, Collection: "app.test.b", Rkey: "3jzfcijpj2z2a"},
	}
	if err := validateBatch(ok); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}
}
