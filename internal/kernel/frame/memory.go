package frame

import "sync"

// Memory is the higher-half direct physical mapping supplied by the
// bootloader: every frame is reachable as a PageSize byte slice.
type Memory interface {
	Bytes(f Frame) []byte
}

// SparseMemory materialises frames on first touch. It stands in for the
// direct mapping when the kernel runs over a modelled machine.
type SparseMemory struct {
	mu     sync.Mutex
	frames map[Frame]*[PageSize]byte
}

// NewSparseMemory returns an empty physical memory model.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{frames: make(map[Frame]*[PageSize]byte)}
}

// Bytes returns the backing bytes of f.
func (m *SparseMemory) Bytes(f Frame) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.frames[f]
	if !ok {
		page = new([PageSize]byte)
		m.frames[f] = page
	}
	return page[:]
}

// Resident reports how many frames have been touched so far.
func (m *SparseMemory) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func zero(mem Memory, f Frame) {
	clear(mem.Bytes(f))
}
