package audio

import "sync"

// Accumulator buffers inbound audio fragments in arrival order until the owner flushes them.
// Batching policy (when to flush) belongs to the caller.
type Accumulator struct {
	mu        sync.Mutex
	fragments [][]byte
	size      int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds a copy of fragment to the tail of the buffer.
func (a *Accumulator) Append(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	owned := make([]byte, len(fragment))
	copy(owned, fragment)

	a.mu.Lock()
	a.fragments = append(a.fragments, owned)
	a.size += len(owned)
	a.mu.Unlock()
}

// Flush returns the concatenated fragments and resets the buffer in the same critical section,
// so every fragment lands in exactly one flush.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	fragments, size := a.fragments, a.size
	a.fragments, a.size = nil, 0
	a.mu.Unlock()

	block := make([]byte, 0, size)
	for _, f := range fragments {
		block = append(block, f...)
	}
	return block
}

// Size returns the accumulated byte length.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Len returns the number of buffered fragments.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}
