package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager hands out per-repository stores under a shared data directory.
// Layout: {data}/actors/{shard}/{did}/store.sqlite, where shard is the
// first two hex characters of SHA-256(did) to bound directory fanout.
type Manager struct {
	base string

	mu     sync.Mutex
	opened map[string]*Store
}

func NewManager(dataDir string) *Manager {
	return &Manager{
		base:   filepath.Join(dataDir, "actors"),
		opened: make(map[string]*Store),
	}
}

func (m *Manager) dir(did string) string {
	sum := sha256.Sum256([]byte(did))
	shard := hex.EncodeToString(sum[:1])
	return filepath.Join(m.base, shard, sanitizeDid(did))
}

// sanitizeDid makes a DID safe as a directory name.
func sanitizeDid(did string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(did)
}

// Open returns the store for a DID, creating its directory and database on
// first use. Stores are cached; concurrent callers share one handle.
func (m *Manager) Open(did string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.opened[did]; ok {
		return s, nil
	}
	dir := m.dir(did)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open actor store %s: %w", did, err)
	}
	s, err := Open(filepath.Join(dir, "store.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open actor store %s: %w", did, err)
	}
	m.opened[did] = s
	return s, nil
}

// Exists reports whether a repository database exists for the DID.
func (m *Manager) Exists(did string) bool {
	_, err := os.Stat(filepath.Join(m.dir(did), "store.sqlite"))
	return err == nil
}

// Destroy closes and removes a repository. Only terminal account deletion
// calls this.
func (m *Manager) Destroy(did string) error {
	m.mu.Lock()
	if s, ok := m.opened[did]; ok {
		s.Close()
		delete(m.opened, did)
	}
	m.mu.Unlock()
	if err := os.RemoveAll(m.dir(did)); err != nil {
		return fmt.Errorf("destroy actor store %s: %w", did, err)
	}
	return nil
}

// Close closes every opened store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for did, s := range m.opened {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.opened, did)
	}
	return firstErr
}
