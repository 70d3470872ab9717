package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const hotCacheSize = 4096

// Resolver resolves handles and DIDs. Lookups for the same key are
// deduplicated through a singleflight group so a cache miss under load
// costs one network round trip, not N.
type Resolver struct {
	cfg   Config
	cache *cache
	http  *http.Client
	log   *logrus.Entry

	// lookupTxt is swappable for tests; defaults to net.DefaultResolver.
	lookupTxt func(ctx context.Context, name string) ([]string, error)

	hotHandles *lru.Cache[string, string]
	hotDocs    *lru.Cache[string, []byte]
	sf         singleflight.Group
}

// NewResolver builds a resolver over the service database (which carries
// the cache tables).
func NewResolver(db *sql.DB, cfg Config, log *logrus.Entry) (*Resolver, error) {
	hotHandles, err := lru.New[string, string](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity resolver: %w", err)
	}
	hotDocs, err := lru.New[string, []byte](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity resolver: %w", err)
	}
	return &Resolver{
		cfg:   cfg,
		cache: &cache{db: db},
		http:  &http.Client{Timeout: cfg.RequestTimeout},
		log:   log,
		lookupTxt: func(ctx context.Context, name string) ([]string, error) {
			return net.DefaultResolver.LookupTXT(ctx, name)
		},
		hotHandles: hotHandles,
		hotDocs:    hotDocs,
	}, nil
}

// ResolveHandle maps a handle to its DID. Resolution order: hot cache,
// database cache, DNS TXT, well-known HTTPS.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return "", fmt.Errorf("%w: empty handle", ErrNotFound)
	}
	if did, ok := r.hotHandles.Get(handle); ok {
		return did, nil
	}
	if did, found, err := r.cache.getHandle(ctx, handle); found {
		if err != nil {
			return "", err
		}
		r.hotHandles.Add(handle, did)
		return did, nil
	} else if err != nil {
		return "", err
	}

	v, err, _ := r.sf.Do("handle:"+handle, func() (any, error) {
		return r.lookupHandle(ctx, handle)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) lookupHandle(ctx context.Context, handle string) (string, error) {
	did, dnsErr := r.handleViaDns(ctx, handle)
	if dnsErr == nil {
		return r.storeHandle(ctx, handle, did)
	}
	did, httpErr := r.handleViaWellKnown(ctx, handle)
	if httpErr == nil {
		return r.storeHandle(ctx, handle, did)
	}

	// Both paths failed. Only a definitive miss on both sides is a
	// NotFound; anything else stays uncached and retryable.
	if isNotFound(dnsErr) && isNotFound(httpErr) {
		if err := r.cache.putHandle(ctx, handle, "", r.cfg.NegativeTTL, true); err != nil {
			r.log.WithError(err).Warn("negative handle cache write failed")
		}
		return "", fmt.Errorf("handle %s: %w", handle, ErrNotFound)
	}
	return "", fmt.Errorf("handle %s: %w (dns: %v, https: %v)", handle, ErrTransient, dnsErr, httpErr)
}

func (r *Resolver) storeHandle(ctx context.Context, handle, did string) (string, error) {
	if err := r.cache.putHandle(ctx, handle, did, r.cfg.HandleTTL, false); err != nil {
		r.log.WithError(err).Warn("handle cache write failed")
	}
	r.hotHandles.Add(handle, did)
	return did, nil
}

func (r *Resolver) handleViaDns(ctx context.Context, handle string) (string, error) {
	records, err := r.lookupTxt(ctx, "_atproto."+handle)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", fmt.Errorf("dns txt: %w", ErrNotFound)
		}
		return "", fmt.Errorf("dns txt: %w: %v", ErrTransient, err)
	}
	for _, rec := range records {
		if did, ok := strings.CutPrefix(strings.TrimSpace(rec), "did="); ok && did != "" {
			return did, nil
		}
	}
	return "", fmt.Errorf("dns txt: no did record: %w", ErrNotFound)
}

func (r *Resolver) handleViaWellKnown(ctx context.Context, handle string) (string, error) {
	url := "https://" + handle + "/.well-known/atproto-did"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("well-known: %w: %v", ErrTransient, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("well-known: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("well-known: %w", ErrNotFound)
	default:
		return "", fmt.Errorf("well-known: status %d: %w", resp.StatusCode, ErrTransient)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("well-known: %w: %v", ErrTransient, err)
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("well-known: malformed body: %w", ErrNotFound)
	}
	return did, nil
}

// ResolveDid fetches a DID document by its method: directory lookup for
// plc, well-known HTTPS for web.
func (r *Resolver) ResolveDid(ctx context.Context, did string) (*Document, error) {
	did = strings.TrimSpace(did)
	if raw, ok := r.hotDocs.Get(did); ok {
		return parseDocument(raw)
	}
	if raw, found, err := r.cache.getDoc(ctx, did); found {
		if err != nil {
			return nil, err
		}
		r.hotDocs.Add(did, raw)
		return parseDocument(raw)
	} else if err != nil {
		return nil, err
	}

	v, err, _ := r.sf.Do("did:"+did, func() (any, error) {
		return r.lookupDid(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	return parseDocument(v.([]byte))
}

func (r *Resolver) lookupDid(ctx context.Context, did string) ([]byte, error) {
	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = strings.TrimRight(r.cfg.PlcURL, "/") + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		url = "https://" + host + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("did %s: unsupported method: %w", did, ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("did %s: %w: %v", did, ErrTransient, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("did %s: %w: %v", did, ErrTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		if err := r.cache.putDoc(ctx, did, nil, r.cfg.NegativeTTL, true); err != nil {
			r.log.WithError(err).Warn("negative did cache write failed")
		}
		return nil, fmt.Errorf("did %s: %w", did, ErrNotFound)
	default:
		return nil, fmt.Errorf("did %s: status %d: %w", did, resp.StatusCode, ErrTransient)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("did %s: %w: %v", did, ErrTransient, err)
	}
	if _, err := parseDocument(raw); err != nil {
		return nil, err
	}
	if err := r.cache.putDoc(ctx, did, raw, r.cfg.DocTTL, false); err != nil {
		r.log.WithError(err).Warn("did cache write failed")
	}
	r.hotDocs.Add(did, raw)
	return raw, nil
}

func parseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse did document: %w", err)
	}
	if doc.Id == "" {
		return nil, fmt.Errorf("parse did document: missing id")
	}
	return &doc, nil
}

// InvalidateHandle drops cache entries after a local handle change and
// clears the hot layer.
func (r *Resolver) InvalidateHandle(ctx context.Context, handle string) error {
	handle = strings.ToLower(strings.TrimSpace(handle))
	r.hotHandles.Remove(handle)
	return r.cache.invalidateHandle(ctx, handle)
}

// InvalidateDid drops a cached DID document.
func (r *Resolver) InvalidateDid(ctx context.Context, did string) error {
	r.hotDocs.Remove(did)
	return r.cache.invalidateDoc(ctx, did)
}

// SetLookupTxt overrides the DNS TXT lookup. Tests only.
func (r *Resolver) SetLookupTxt(fn func(ctx context.Context, name string) ([]string, error)) {
	r.lookupTxt = fn
}

// SetHTTPClient overrides the HTTP client. Tests only.
func (r *Resolver) SetHTTPClient(c *http.Client) {
	r.http = c
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
