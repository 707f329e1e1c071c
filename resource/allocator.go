// Package resource reserves hosts from capacity pools for tickets.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInsufficient is returned when a pool cannot satisfy a request.
var ErrInsufficient = errors.New("insufficient resources")

// ErrUnknownPool is returned when a request names a pool that does not exist.
var ErrUnknownPool = errors.New("unknown pool")

// Request asks for Count hosts from Pool.
type Request struct {
	Pool  string `json:"pool"`
	Count int    `json:"count"`
}

// Resource is one granted host.
type Resource struct {
	Pool string `json:"pool"`
	Host string `json:"host"`
}

// Allocator grants resources to tickets.
type Allocator interface {
	// Reserve grants every request or none of them.
	Reserve(ctx context.Context, owner string, reqs []Request) ([]Resource, error)
	// Release returns everything held by owner.
	Release(ctx context.Context, owner string) error
}

// PoolAllocator allocates hosts from static in-memory pools.
type PoolAllocator struct {
	mu    sync.Mutex
	free  map[string][]string
	owned map[string][]Resource
}

var _ Allocator = (*PoolAllocator)(nil)

// NewPoolAllocator creates an allocator over pools (pool name to host list).
func NewPoolAllocator(pools map[string][]string) *PoolAllocator {
	free := make(map[string][]string, len(pools))
	for name, hosts := range pools {
		sorted := append([]string(nil), hosts...)
		sort.Strings(sorted)
		free[name] = sorted
	}
	return &PoolAllocator{
		free:  free,
		owned: make(map[string][]Resource),
	}
}

// Reserve grants all requests atomically.
func (a *PoolAllocator) Reserve(_ context.Context, owner string, reqs []Request) ([]Resource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	need := make(map[string]int)
	for _, r := range reqs {
		if r.Count <= 0 {
			return nil, fmt.Errorf("invalid count %d for pool %q", r.Count, r.Pool)
		}
		if _, ok := a.free[r.Pool]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPool, r.Pool)
		}
		need[r.Pool] += r.Count
	}
	for pool, n := range need {
		if len(a.free[pool]) < n {
			return nil, fmt.Errorf("%w: pool %q has %d free, need %d", ErrInsufficient, pool, len(a.free[pool]), n)
		}
	}

	var granted []Resource
	for _, r := range reqs {
		hosts := a.free[r.Pool][:r.Count]
		a.free[r.Pool] = a.free[r.Pool][r.Count:]
		for _, h := range hosts {
			granted = append(granted, Resource{Pool: r.Pool, Host: h})
		}
	}
	a.owned[owner] = append(a.owned[owner], granted...)
	return granted, nil
}

// Release returns owner's resources to their pools.
func (a *PoolAllocator) Release(_ context.Context, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.owned[owner] {
		a.free[r.Pool] = append(a.free[r.Pool], r.Host)
		sort.Strings(a.free[r.Pool])
	}
	delete(a.owned, owner)
	return nil
}

// Free returns the number of free hosts in pool.
func (a *PoolAllocator) Free(pool string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free[pool])
}
