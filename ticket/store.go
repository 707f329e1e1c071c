package ticket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Filter selects tickets in List. Zero values match everything.
type Filter struct {
	Status Status
}

// Store persists tickets. Update is a read-modify-write under row-level mutual
// exclusion: two concurrent updates of one ticket never interleave.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	// Update applies fn to the current ticket and stores the result. Nothing is
	// stored when fn returns an error.
	Update(ctx context.Context, id string, fn func(*Ticket) error) (*Ticket, error)
	// List returns matching tickets, most recent first.
	List(ctx context.Context, f Filter) ([]*Ticket, error)
}

// MemoryStore keeps tickets in memory with a lock per ticket.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	rows    map[string]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[string]*Ticket),
		rows:    make(map[string]*sync.Mutex),
	}
}

// Create stores a copy of t.
func (s *MemoryStore) Create(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[t.ID]; ok {
		return fmt.Errorf("ticket %s already exists", t.ID)
	}
	s.tickets[t.ID] = t.Clone()
	s.rows[t.ID] = &sync.Mutex{}
	return nil
}

// Get returns a copy of the ticket.
func (s *MemoryStore) Get(_ context.Context, id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Update holds the ticket's row lock while fn runs.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Ticket) error) (*Ticket, error) {
	s.mu.Lock()
	row, ok := s.rows[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	row.Lock()
	defer row.Unlock()

	s.mu.Lock()
	current := s.tickets[id].Clone()
	s.mu.Unlock()

	if err := fn(current); err != nil {
		return nil, err
	}
	current.ID = id
	current.UpdatedAt = time.Now()

	s.mu.Lock()
	s.tickets[id] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

// List returns matching tickets, most recent first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
