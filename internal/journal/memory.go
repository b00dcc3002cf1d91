package journal

import (
	"sync"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
)

type slot struct {
	seq uint64
	raw []byte
}

type ring struct {
	slots []slot
}

// Memory keeps the last Capacity frames per source in a ring indexed by
// sequence modulo capacity.
type Memory struct {
	capacity int

	mu     sync.RWMutex
	rings  map[frame.Source]*ring
	closed bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity, rings: make(map[frame.Source]*ring)}
}

func (m *Memory) Append(src frame.Source, seq uint64, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r, ok := m.rings[src]
	if !ok {
		r = &ring{slots: make([]slot, m.capacity)}
		m.rings[src] = r
	}
	r.slots[seq%uint64(m.capacity)] = slot{seq: seq, raw: raw}
	return nil
}

func (m *Memory) Range(src frame.Source, start, end uint64) ([][]byte, bool) {
	if start > end || end-start >= uint64(m.capacity) {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[src]
	if !ok || m.closed {
		return nil, false
	}
	out := make([][]byte, 0, end-start+1)
	for seq := start; ; seq++ {
		s := r.slots[seq%uint64(m.capacity)]
		if s.raw == nil || s.seq != seq {
			return nil, false
		}
		out = append(out, s.raw)
		if seq == end {
			break
		}
	}
	return out, true
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rings = make(map[frame.Source]*ring)
	return nil
}
