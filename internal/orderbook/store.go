package orderbook

import (
	"fmt"
	"sync/atomic"
)

// Config fixes the store's bounds at construction
type Config struct {
	Capacity       int // Maximum orders ever stored
	MaxInstruments int // Instrument ids are in [0, MaxInstruments)
}

// DefaultConfig returns the bounds the simulator runs with
func DefaultConfig() Config {
	return Config{
		Capacity:       10000,
		MaxInstruments: 100,
	}
}

// OrderStore is a fixed-capacity arena of orders shared by every producer
// and matching pass. Slots are reserved with a single atomic counter and
// never reused; an order leaves the book only by being deactivated.
//
// A reserved slot is published a moment after its reservation, so readers
// walking [0, SnapshotCount()) must skip slots that are not yet populated.
type OrderStore struct {
	capacity       int
	maxInstruments int

	slots    []atomic.Pointer[Order]
	count    atomic.Int64 // reserved slots, never above capacity
	rejected atomic.Int64
}

// New creates an empty store. Non-positive bounds fall back to DefaultConfig.
func New(cfg Config) *OrderStore {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxInstruments <= 0 {
		cfg.MaxInstruments = def.MaxInstruments
	}
	return &OrderStore{
		capacity:       cfg.Capacity,
		maxInstruments: cfg.MaxInstruments,
		slots:          make([]atomic.Pointer[Order], cfg.Capacity),
	}
}

func (s *OrderStore) Capacity() int {
	return s.capacity
}

func (s *OrderStore) MaxInstruments() int {
	return s.maxInstruments
}

// Submit stores a new active order and returns its slot id. Every caller
// gets a distinct slot; once the store is full it fails with
// ErrCapacityExceeded and stores nothing.
func (s *OrderStore) Submit(side Side, instrument int, quantity int64, price Price) (int, error) {
	if err := s.validate(side, instrument, quantity, price); err != nil {
		s.rejected.Add(1)
		return -1, err
	}

	slot, ok := s.reserve()
	if !ok {
		s.rejected.Add(1)
		return -1, ErrCapacityExceeded
	}

	s.slots[slot].Store(newOrder(slot, side, instrument, quantity, price))
	return slot, nil
}

// reserve claims the next slot index. The counter is only advanced by a
// successful compare-and-swap below capacity, so a full store needs no
// rollback and the counter never overshoots.
func (s *OrderStore) reserve() (int, bool) {
	for {
		n := s.count.Load()
		if n >= int64(s.capacity) {
			return -1, false
		}
		if s.count.CompareAndSwap(n, n+1) {
			return int(n), true
		}
	}
}

func (s *OrderStore) validate(side Side, instrument int, quantity int64, price Price) error {
	if side != Buy && side != Sell {
		return fmt.Errorf("%w: unknown side %d", ErrInvalidInput, side)
	}
	if instrument < 0 || instrument >= s.maxInstruments {
		return fmt.Errorf("%w: instrument %d outside [0, %d)", ErrInvalidInput, instrument, s.maxInstruments)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidInput, quantity)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidInput, price)
	}
	return nil
}

// SnapshotCount returns how many slots have been reserved. Slots below the
// count may still be unpopulated.
func (s *OrderStore) SnapshotCount() int {
	return int(s.count.Load())
}

// Order returns the order in a slot, or false if the slot is out of range
// or reserved but not yet populated.
func (s *OrderStore) Order(slot int) (*Order, bool) {
	if slot < 0 || slot >= s.SnapshotCount() {
		return nil, false
	}
	o := s.slots[slot].Load()
	return o, o != nil
}

// View returns a copy of a slot's order for observers
func (s *OrderStore) View(slot int) (OrderView, bool) {
	o, ok := s.Order(slot)
	if !ok {
		return OrderView{}, false
	}
	return o.View(), true
}

// Stats summarizes store occupancy
type Stats struct {
	Capacity int   `json:"capacity"`
	Reserved int   `json:"reserved"`
	Active   int   `json:"active"`
	Rejected int64 `json:"rejected"`
}

// Stats walks the reserved slots; the result is approximate while producers run
func (s *OrderStore) Stats() Stats {
	n := s.SnapshotCount()
	stats := Stats{
		Capacity: s.capacity,
		Reserved: n,
		Rejected: s.rejected.Load(),
	}
	for i := 0; i < n; i++ {
		if o := s.slots[i].Load(); o != nil && o.Active() {
			stats.Active++
		}
	}
	return stats
}
