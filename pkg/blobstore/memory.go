package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
)

// Memory holds blobs in maps. Used in tests.
type Memory struct {
	mu        sync.Mutex
	pending   map[cid.Cid][]byte
	stagedAt  map[cid.Cid]time.Time
	permanent map[cid.Cid][]byte
}

func NewMemory() *Memory {
	return &Memory{
		pending:   make(map[cid.Cid][]byte),
		stagedAt:  make(map[cid.Cid]time.Time),
		permanent: make(map[cid.Cid][]byte),
	}
}

func (m *Memory) PutPending(_ context.Context, c cid.Cid, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("blobstore put %s: %w", c, err)
	}
	sum := sha256.Sum256(data)
	if err := verifyDigest(c, sum[:]); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[c] = data
	m.stagedAt[c] = time.Now()
	return nil
}

func (m *Memory) Promote(_ context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permanent[c]; ok {
		delete(m.pending, c)
		delete(m.stagedAt, c)
		return nil
	}
	data, ok := m.pending[c]
	if !ok {
		return fmt.Errorf("blobstore promote %s: %w", c, ErrNotFound)
	}
	m.permanent[c] = data
	delete(m.pending, c)
	delete(m.stagedAt, c)
	return nil
}

func (m *Memory) Get(_ context.Context, c cid.Cid) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.permanent[c]
	if !ok {
		return nil, fmt.Errorf("blobstore get %s: %w", c, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.permanent[c]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.permanent, c)
	return nil
}

func (m *Memory) SweepPending(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for c, at := range m.stagedAt {
		if at.Before(cutoff) {
			delete(m.pending, c)
			delete(m.stagedAt, c)
			reaped++
		}
	}
	return reaped, nil
}
