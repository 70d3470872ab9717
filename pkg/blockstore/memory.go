package blockstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/meridian-pds/meridian/pkg/ipld"
)

// Memory is an in-memory block map, used for CAR imports and tests.
type Memory struct {
	mu sync.Mutex
	m  map[cid.Cid][]byte
}

func NewMemory() *Memory {
	return &Memory{m: make(map[cid.Cid][]byte)}
}

// Put stores bytes under c after verifying they digest to it.
func (s *Memory) Put(_ context.Context, c cid.Cid, data []byte) error {
	if err := ipld.Verify(c, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[c] = data
	return nil
}

func (s *Memory) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[c]
	if !ok {
		return nil, fmt.Errorf("get block %s: %w", c, ErrNotFound)
	}
	return b, nil
}

func (s *Memory) Has(_ context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[c]
	return ok, nil
}

// Len returns the number of stored blocks.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
