package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/meridian-pds/meridian/pkg/blockstore"
	"github.com/meridian-pds/meridian/pkg/car"
	"github.com/meridian-pds/meridian/pkg/config"
)

func testService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ServiceDid = "did:web:localhost"
	cfg.PublicURL = "http://localhost:3000"
	cfg.Blobstore.Backend = "memory"
	cfg.JwtSecret = "test-jwt-secret-32-bytes-long!!!"
	cfg.RepoSigningKeyHex = "b7e1fcf3b96c8a5fb2c4a9e0d1f38c5a7e6b4d2c1a0f9e8d7c6b5a4938271605"
	if err := cfg.RequireSecrets(); err != nil {
		t.Fatalf("config: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	svc, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)
	return svc, ts
}

type jsonMap = map[string]any

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body any) (int, jsonMap) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out jsonMap
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (int, jsonMap) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out jsonMap
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createTestAccount(t *testing.T, ts *httptest.Server, handle string) (did, access string) {
	t.Helper()
	status, body := postJSON(t, ts, "/xrpc/com.atproto.server.createAccount", "", jsonMap{
		"handle":   handle,
		"password": "hunter22pass",
	})
	if status != http.StatusOK {
		t.Fatalf("createAccount: %d %v", status, body)
	}
	return body["did"].(string), body["accessJwt"].(string)
}

func TestCreateReadDeleteOverHTTP(t *testing.T) {
	_, ts := testService(t)

	did, access := createTestAccount(t, ts, "alice.localhost")
	if !strings.HasPrefix(did, "did:plc:") {
		t.Fatalf("did: %q", did)
	}

	// Create a record.
	status, body := postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"record":     jsonMap{"text": "hi", "createdAt": "2025-01-01T00:00:00Z"},
	})
	if status != http.StatusOK {
		t.Fatalf("createRecord: %d %v", status, body)
	}
	uri := body["uri"].(string)
	recordCid := body["cid"].(string)
	if !strings.HasPrefix(uri, "at://"+did+"/app.example.post/") {
		t.Errorf("uri: %q", uri)
	}
	rkey := uri[strings.LastIndex(uri, "/")+1:]

	// Read it back.
	status, body = getJSON(t, ts, "/xrpc/com.atproto.repo.getRecord?repo="+did+"&collection=app.example.post&rkey="+rkey)
	if status != http.StatusOK {
		t.Fatalf("getRecord: %d %v", status, body)
	}
	if body["cid"].(string) != recordCid {
		t.Errorf("getRecord cid: %v", body["cid"])
	}
	value := body["value"].(map[string]any)
	if value["text"] != "hi" {
		t.Errorf("record value: %v", value)
	}

	// Delete with the right swap succeeds.
	status, body = postJSON(t, ts, "/xrpc/com.atproto.repo.deleteRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"rkey":       rkey,
		"swapRecord": recordCid,
	})
	if status != http.StatusOK {
		t.Fatalf("deleteRecord: %d %v", status, body)
	}

	// Replaying the same delete conflicts.
	status, body = postJSON(t, ts, "/xrpc/com.atproto.repo.deleteRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"rkey":       rkey,
		"swapRecord": recordCid,
	})
	if status != http.StatusConflict {
		t.Fatalf("second delete: %d %v", status, body)
	}
	if body["error"] != "InvalidSwap" {
		t.Errorf("second delete error code: %v", body["error"])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts := testService(t)
	createTestAccount(t, ts, "bob.localhost")

	status, sess := postJSON(t, ts, "/xrpc/com.atproto.server.createSession", "", jsonMap{
		"identifier": "bob.localhost",
		"password":   "hunter22pass",
	})
	if status != http.StatusOK {
		t.Fatalf("createSession: %d %v", status, sess)
	}
	refresh := sess["refreshJwt"].(string)

	status, fresh := postJSON(t, ts, "/xrpc/com.atproto.server.refreshSession", refresh, nil)
	if status != http.StatusOK {
		t.Fatalf("refreshSession: %d %v", status, fresh)
	}

	// The consumed refresh token no longer works.
	status, _ = postJSON(t, ts, "/xrpc/com.atproto.server.refreshSession", refresh, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: %d", status)
	}

	status, _ = postJSON(t, ts, "/xrpc/com.atproto.server.deleteSession", fresh["refreshJwt"].(string), nil)
	if status != http.StatusOK {
		t.Fatalf("deleteSession: %d", status)
	}
}

func TestWriteRequiresOwnership(t *testing.T) {
	_, ts := testService(t)
	aliceDid, _ := createTestAccount(t, ts, "alice.localhost")
	_, mallory := createTestAccount(t, ts, "mallory.localhost")

	status, body := postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", mallory, jsonMap{
		"repo":       aliceDid,
		"collection": "app.example.post",
		"record":     jsonMap{"text": "forged"},
	})
	if status != http.StatusForbidden {
		t.Fatalf("cross-account write: %d %v", status, body)
	}

	status, _ = postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", "", jsonMap{
		"repo": aliceDid,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated write: %d", status)
	}
}

func TestBlobUploadAndFetch(t *testing.T) {
	_, ts := testService(t)
	did, access := createTestAccount(t, ts, "carol.localhost")

	blobBytes := []byte("png bytes pretending")
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(blobBytes))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("uploadBlob: %v", err)
	}
	var upload jsonMap
	json.NewDecoder(resp.Body).Decode(&upload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("uploadBlob: %d %v", resp.StatusCode, upload)
	}
	blob := upload["blob"].(map[string]any)
	ref := blob["ref"].(map[string]any)
	blobCid := ref["$link"].(string)

	// Committing a record referencing the blob makes it permanent.
	status, body := postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"record": jsonMap{
			"text":  "with image",
			"embed": jsonMap{"$type": "blob", "ref": jsonMap{"$link": blobCid}, "mimeType": "image/png", "size": len(blobBytes)},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("createRecord with blob: %d %v", status, body)
	}

	resp, err = http.Get(ts.URL + "/xrpc/com.atproto.sync.getBlob?did=" + did + "&cid=" + blobCid)
	if err != nil {
		t.Fatalf("getBlob: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("getBlob: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("blob content type: %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, blobBytes) {
		t.Error("blob bytes differ")
	}
}

func TestSyncSurface(t *testing.T) {
	svc, ts := testService(t)
	did, access := createTestAccount(t, ts, "dave.localhost")

	for i := 0; i < 3; i++ {
		status, body := postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", access, jsonMap{
			"repo":       did,
			"collection": "app.example.post",
			"record":     jsonMap{"text": fmt.Sprintf("post %d", i)},
		})
		if status != http.StatusOK {
			t.Fatalf("createRecord: %d %v", status, body)
		}
	}

	// getLatestCommit matches the engine's view.
	head, rev, err := svc.Engine.Head(context.Background(), did)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	status, body := getJSON(t, ts, "/xrpc/com.atproto.sync.getLatestCommit?did="+did)
	if status != http.StatusOK {
		t.Fatalf("getLatestCommit: %d %v", status, body)
	}
	if body["cid"].(string) != head.String() || body["rev"].(string) != rev {
		t.Errorf("latest commit: %v", body)
	}

	// Full CAR export imports cleanly and carries the HEAD root.
	resp, err := http.Get(ts.URL + "/xrpc/com.atproto.sync.getRepo?did=" + did)
	if err != nil {
		t.Fatalf("getRepo: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("getRepo: %d", resp.StatusCode)
	}
	dst := blockstore.NewMemory()
	roots, err := car.ImportInto(context.Background(), resp.Body, dst)
	if err != nil {
		t.Fatalf("ImportInto: %v", err)
	}
	if len(roots) != 1 || !roots[0].Equals(head) {
		t.Errorf("car roots: %v, want %s", roots, head)
	}

	// describeRepo lists the collection.
	status, body = getJSON(t, ts, "/xrpc/com.atproto.repo.describeRepo?repo="+did)
	if status != http.StatusOK {
		t.Fatalf("describeRepo: %d %v", status, body)
	}
	cols := body["collections"].([]any)
	if len(cols) != 1 || cols[0] != "app.example.post" {
		t.Errorf("collections: %v", cols)
	}
}

func TestResolveHandleLocal(t *testing.T) {
	_, ts := testService(t)
	did, _ := createTestAccount(t, ts, "eve.localhost")

	status, body := getJSON(t, ts, "/xrpc/com.atproto.identity.resolveHandle?handle=eve.localhost")
	if status != http.StatusOK {
		t.Fatalf("resolveHandle: %d %v", status, body)
	}
	if body["did"].(string) != did {
		t.Errorf("resolved did: %v", body["did"])
	}
}

func TestWellKnownDid(t *testing.T) {
	svc, ts := testService(t)
	resp, err := http.Get(ts.URL + "/.well-known/atproto-did")
	if err != nil {
		t.Fatalf("well-known: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != svc.Cfg.ServiceDid {
		t.Errorf("well-known body: %q, want %q", raw, svc.Cfg.ServiceDid)
	}
}

func TestSwapCommitRaceOverHTTP(t *testing.T) {
	_, ts := testService(t)
	did, access := createTestAccount(t, ts, "frank.localhost")

	// Create a record to fight over.
	status, body := postJSON(t, ts, "/xrpc/com.atproto.repo.createRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"record":     jsonMap{"text": "original"},
	})
	if status != http.StatusOK {
		t.Fatalf("createRecord: %d %v", status, body)
	}
	uri := body["uri"].(string)
	rkey := uri[strings.LastIndex(uri, "/")+1:]
	originalCid := body["cid"].(string)

	// First put against the original CID wins.
	status, body = postJSON(t, ts, "/xrpc/com.atproto.repo.putRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"rkey":       rkey,
		"record":     jsonMap{"text": "first edit"},
		"swapRecord": originalCid,
	})
	if status != http.StatusOK {
		t.Fatalf("first put: %d %v", status, body)
	}

	// Second put against the now-stale CID conflicts.
	status, body = postJSON(t, ts, "/xrpc/com.atproto.repo.putRecord", access, jsonMap{
		"repo":       did,
		"collection": "app.example.post",
		"rkey":       rkey,
		"record":     jsonMap{"text": "second edit"},
		"swapRecord": originalCid,
	})
	if status != http.StatusConflict {
		t.Fatalf("stale put: %d %v", status, body)
	}
	if body["error"] != "InvalidSwap" {
		t.Errorf("stale put error: %v", body["error"])
	}
}
