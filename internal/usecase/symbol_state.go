package usecase

import "sync"

// RingBuffer is a fixed-capacity float history; the oldest value is
// overwritten once it is full.
type RingBuffer struct {
	data  []float64
	start int
	size  int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{data: make([]float64, capacity)}
}

func (r *RingBuffer) Push(v float64) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = v
		r.size++
		return
	}
	r.data[r.start] = v
	r.start = (r.start + 1) % len(r.data)
}

func (r *RingBuffer) Len() int {
	return r.size
}

func (r *RingBuffer) Full() bool {
	return r.size == len(r.data)
}

func (r *RingBuffer) Clear() {
	r.start, r.size = 0, 0
}

// At returns the i-th value, oldest first.
func (r *RingBuffer) At(i int) float64 {
	return r.data[(r.start+i)%len(r.data)]
}

// Last returns the most recent value.
func (r *RingBuffer) Last() (float64, bool) {
	if r.size == 0 {
		return 0, false
	}
	return r.At(r.size - 1), true
}

// Values copies the buffer out, oldest first.
func (r *RingBuffer) Values() []float64 {
	out := make([]float64, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

type symbolSlot[T any] struct {
	mu    sync.Mutex
	state *T
}

// SymbolStore owns one state value per symbol. Updates for the same symbol
// are serialized; different symbols never contend beyond the map lookup.
type SymbolStore[T any] struct {
	mu    sync.Mutex
	slots map[string]*symbolSlot[T]
	newFn func() *T
}

func NewSymbolStore[T any](newFn func() *T) *SymbolStore[T] {
	return &SymbolStore[T]{
		slots: make(map[string]*symbolSlot[T]),
		newFn: newFn,
	}
}

func (s *SymbolStore[T]) slot(symbol string) *symbolSlot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[symbol]
	if !ok {
		sl = &symbolSlot[T]{state: s.newFn()}
		s.slots[symbol] = sl
	}
	return sl
}

// Update runs fn with exclusive access to the symbol's state.
func (s *SymbolStore[T]) Update(symbol string, fn func(state *T)) {
	sl := s.slot(symbol)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	fn(sl.state)
}
