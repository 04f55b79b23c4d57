package usecase

import (
	"sort"
	"sync"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

type bookEntry struct {
	pos      domain.Position
	inFlight bool
}

// PositionBook holds the open positions. A position is checked out with
// Acquire while its order is in flight; nobody else can evaluate or modify
// it until Release. The book lock is never held across an adapter call.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*bookEntry
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*bookEntry)}
}

func (b *PositionBook) Add(pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[pos.ID] = &bookEntry{pos: pos.Clone()}
}

func (b *PositionBook) Get(id string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return e.pos.Clone(), true
}

func sortPositions(out []domain.Position) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
}

// OpenPositions lists evaluable positions of symbol: open, not halted and
// not in flight.
func (b *PositionBook) OpenPositions(symbol string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.Position
	for _, e := range b.positions {
		if e.pos.Symbol != symbol || e.inFlight || e.pos.Halted || !e.pos.IsOpen() {
			continue
		}
		out = append(out, e.pos.Clone())
	}
	sortPositions(out)
	return out
}

// All returns every position in the book, halted ones included.
func (b *PositionBook) All() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, e := range b.positions {
		out = append(out, e.pos.Clone())
	}
	sortPositions(out)
	return out
}

func (b *PositionBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range b.positions {
		if !seen[e.pos.Symbol] {
			seen[e.pos.Symbol] = true
			out = append(out, e.pos.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// CountOpen counts open positions of symbol on side, in-flight ones included.
func (b *PositionBook) CountOpen(symbol string, side domain.Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.positions {
		if e.pos.Symbol == symbol && e.pos.Side == side && e.pos.IsOpen() && !e.pos.Halted {
			n++
		}
	}
	return n
}

// Acquire marks the position in flight and returns a copy of it.
func (b *PositionBook) Acquire(id string) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[id]
	if !ok || e.inFlight || e.pos.Halted {
		return domain.Position{}, false
	}
	e.inFlight = true
	return e.pos.Clone(), true
}

// Release stores updated (when non-nil) and clears the in-flight flag.
func (b *PositionBook) Release(id string, updated *domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[id]
	if !ok {
		return
	}
	if updated != nil {
		e.pos = updated.Clone()
	}
	e.inFlight = false
}

// Update mutates a position that is not in flight.
func (b *PositionBook) Update(id string, fn func(*domain.Position)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[id]
	if !ok || e.inFlight {
		return false
	}
	fn(&e.pos)
	return true
}

// Halt stops all further processing of the position.
func (b *PositionBook) Halt(id, reason string) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	e.pos.Halted = true
	e.pos.HaltReason = reason
	e.inFlight = false
	return e.pos.Clone(), true
}

func (b *PositionBook) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, id)
}
