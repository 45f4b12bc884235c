package gpu

import (
	"context"
	"sort"
	"sync"
)

// LeaseStore records which accelerator indices are held by running jobs.
type LeaseStore interface {
	// Acquire atomically leases the first count indices of candidates that
	// are not already leased and returns them in ascending order. It returns
	// nil without error when fewer than count are free; nothing is leased
	// in that case.
	Acquire(ctx context.Context, holder string, candidates []int, count int) ([]int, error)
	// Release returns indices held by holder. Indices held by someone else
	// are left alone.
	Release(ctx context.Context, holder string, ids []int) error
	// Leases returns the current index -> holder table.
	Leases(ctx context.Context) (map[int]string, error)
	Name() string
	Close() error
}

// MemoryLeaseStore is the process-wide lease table used when every lane
// runs inside one dispatcher.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[int]string
}

// NewMemoryLeaseStore creates an empty table.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[int]string)}
}

// Acquire implements LeaseStore.
func (s *MemoryLeaseStore) Acquire(ctx context.Context, holder string, candidates []int, count int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sorted := append([]int(nil), candidates...)
	sort.Ints(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()

	picked := make([]int, 0, count)
	for _, id := range sorted {
		if len(picked) == count {
			break
		}
		if _, held := s.leases[id]; held {
			continue
		}
		picked = append(picked, id)
	}
	if len(picked) < count {
		return nil, nil
	}
	for _, id := range picked {
		s.leases[id] = holder
	}
	return picked, nil
}

// Release implements LeaseStore.
func (s *MemoryLeaseStore) Release(ctx context.Context, holder string, ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.leases[id] == holder {
			delete(s.leases, id)
		}
	}
	return nil
}

// Leases implements LeaseStore.
func (s *MemoryLeaseStore) Leases(ctx context.Context) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.leases))
	for id, holder := range s.leases {
		out[id] = holder
	}
	return out, nil
}

// Name returns "memory".
func (s *MemoryLeaseStore) Name() string {
	return "memory"
}

// Close is a no-op.
func (s *MemoryLeaseStore) Close() error {
	return nil
}
