package settlement

import (
	"context"
	"fmt"
	"sync"
)

// Sequencer issues strictly increasing sequence numbers for one source address.
// It is owned by whoever is spending from that address and is seeded once from
// the address's on-network count, so repeated sends never fetch-then-race.
type Sequencer struct {
	mu      sync.Mutex
	address string
	next    uint64
}

// NewSequencer seeds a sequencer from the network's current count for address.
func NewSequencer(ctx context.Context, network Network, address string) (*Sequencer, error) {
	start, err := network.SequenceNumber(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("sequence number for %s: %w", address, err)
	}
	return &Sequencer{address: address, next: start}, nil
}

// Next returns the next unused sequence number.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Address is the source the sequencer issues for.
func (s *Sequencer) Address() string {
	return s.address
}
