package chunk

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// Store persists chunk and leftover wallets.
type Store interface {
	// AddChunk records a freshly funded chunk as available and returns it with its sequence assigned.
	AddChunk(ctx context.Context, w Wallet) (Wallet, error)
	AddLeftover(ctx context.Context, l Leftover) error
	// Claim moves the n oldest available chunks to reserved, or claims nothing.
	Claim(ctx context.Context, n int) ([]Wallet, error)
	Release(ctx context.Context, ids []string) error
	MarkUsed(ctx context.Context, id, ref string, at time.Time) error
	CountAvailable(ctx context.Context) (int, error)
	Leftovers(ctx context.Context) ([]Leftover, error)
}

type memoryStore struct {
	mu        sync.Mutex
	seq       int64
	chunks    []*Wallet
	byID      map[string]*Wallet
	leftovers []Leftover
}

// NewMemoryStore constructs an in-memory store for tests and development.
func NewMemoryStore() Store {
	return &memoryStore{byID: make(map[string]*Wallet)}
}

func (s *memoryStore) AddChunk(_ context.Context, w Wallet) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[w.ID]; exists {
		return Wallet{}, errors.New("chunk exists")
	}
	s.seq++
	w.Seq = s.seq
	w.State = StateAvailable
	w.Denomination = new(big.Int).Set(w.Denomination)
	stored := w
	s.chunks = append(s.chunks, &stored)
	s.byID[w.ID] = &stored
	return w, nil
}

func (s *memoryStore) AddLeftover(_ context.Context, l Leftover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.Amount = new(big.Int).Set(l.Amount)
	s.leftovers = append(s.leftovers, l)
	return nil
}

func (s *memoryStore) Claim(_ context.Context, n int) ([]Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	picked := make([]*Wallet, 0, n)
	for _, w := range s.chunks {
		if len(picked) == n {
			break
		}
		if w.State == StateAvailable {
			picked = append(picked, w)
		}
	}
	if len(picked) < n {
		return nil, ErrInsufficientInventory
	}

	out := make([]Wallet, len(picked))
	for i, w := range picked {
		w.State = StateReserved
		out[i] = *w
	}
	return out, nil
}

func (s *memoryStore) Release(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if w, ok := s.byID[id]; ok && w.State == StateReserved {
			w.State = StateAvailable
		}
	}
	return nil
}

func (s *memoryStore) MarkUsed(_ context.Context, id, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok || w.State != StateReserved {
		return ErrNotReserved
	}
	w.State = StateUsed
	w.SpendRef = ref
	usedAt := at
	w.UsedAt = &usedAt
	return nil
}

func (s *memoryStore) CountAvailable(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.chunks {
		if w.State == StateAvailable {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) Leftovers(_ context.Context) ([]Leftover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Leftover, len(s.leftovers))
	copy(out, s.leftovers)
	return out, nil
}
