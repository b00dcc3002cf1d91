package session

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
)

type Outcome uint8

const (
	// InOrder is the next expected sequence, or the first one seen for a source.
	InOrder Outcome = iota + 1
	// Duplicate was already delivered.
	Duplicate
	// GapDetected skipped sequences; the frame itself is still delivered.
	GapDetected
	// Filled is a sequence that was missing and has now arrived.
	Filled
)

func (o Outcome) String() string {
	switch o {
	case InOrder:
		return "in_order"
	case Duplicate:
		return "duplicate"
	case GapDetected:
		return "gap"
	case Filled:
		return "filled"
	default:
		return "unknown"
	}
}

// Gap is the inclusive range of missing sequences.
type Gap struct {
	Source frame.Source
	Start  uint64
	End    uint64
}

func (g Gap) Len() uint64 { return g.End - g.Start + 1 }

// Observation is the result of one Tracker.Observe call.
type Observation struct {
	Outcome Outcome
	Gap     Gap
}

// Deliver reports whether the frame should be handed to the application.
func (o Observation) Deliver() bool {
	return o.Outcome != Duplicate
}

// GapPolicy picks the recovery request type for a gap.
type GapPolicy struct {
	MaxRetransmit uint64
}

func (p GapPolicy) RequestType(g Gap) payload.RecoveryType {
	if p.MaxRetransmit > 0 && g.Len() <= p.MaxRetransmit {
		return payload.RecoveryRetransmit
	}
	return payload.RecoverySnapshot
}

type sourceState struct {
	last    uint64
	missing map[uint64]struct{}
}

// TrackerStats are cumulative counts for one Tracker.
type TrackerStats struct {
	InOrder    uint64
	Duplicates uint64
	Gaps       uint64
	Filled     uint64
}

// Tracker follows the last delivered sequence per source and remembers which
// sequences inside reported gaps are still missing.
type Tracker struct {
	policy GapPolicy

	mu      sync.Mutex
	sources map[frame.Source]*sourceState

	inOrder    atomic.Uint64
	duplicates atomic.Uint64
	gaps       atomic.Uint64
	filled     atomic.Uint64
}

func NewTracker(policy GapPolicy) *Tracker {
	return &Tracker{policy: policy, sources: make(map[frame.Source]*sourceState)}
}

func (t *Tracker) Policy() GapPolicy { return t.policy }

// Observe records seq for src.
func (t *Tracker) Observe(src frame.Source, seq uint64) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sources[src]
	if !ok {
		t.sources[src] = &sourceState{last: seq}
		t.inOrder.Add(1)
		return Observation{Outcome: InOrder}
	}
	switch {
	case seq == st.last+1:
		st.last = seq
		t.inOrder.Add(1)
		return Observation{Outcome: InOrder}
	case seq > st.last+1:
		gap := Gap{Source: src, Start: st.last + 1, End: seq - 1}
		if t.policy.RequestType(gap) == payload.RecoveryRetransmit {
			if st.missing == nil {
				st.missing = make(map[uint64]struct{}, gap.Len())
			}
			for s := gap.Start; s <= gap.End; s++ {
				st.missing[s] = struct{}{}
			}
		}
		st.last = seq
		t.gaps.Add(1)
		return Observation{Outcome: GapDetected, Gap: gap}
	default:
		if _, missing := st.missing[seq]; missing {
			delete(st.missing, seq)
			t.filled.Add(1)
			return Observation{Outcome: Filled}
		}
		t.duplicates.Add(1)
		return Observation{Outcome: Duplicate}
	}
}

// ApplySnapshot marks everything up to lastSeq as delivered for src.
func (t *Tracker) ApplySnapshot(src frame.Source, lastSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sources[src]
	if !ok {
		t.sources[src] = &sourceState{last: lastSeq}
		return
	}
	for s := range st.missing {
		if s <= lastSeq {
			delete(st.missing, s)
		}
	}
	if lastSeq > st.last {
		st.last = lastSeq
	}
}

// Last returns the highest sequence seen for src.
func (t *Tracker) Last(src frame.Source) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sources[src]
	if !ok {
		return 0, false
	}
	return st.last, true
}

// Missing counts sequences still outstanding for src.
func (t *Tracker) Missing(src frame.Source) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sources[src]; ok {
		return len(st.missing)
	}
	return 0
}

// MissingIn reports how many sequences in [start, end] are still missing for
// src, and the lowest and highest of them.
func (t *Tracker) MissingIn(src frame.Source, start, end uint64) (lo, hi uint64, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sources[src]
	if !ok {
		return 0, 0, 0
	}
	for s := range st.missing {
		if s < start || s > end {
			continue
		}
		if n == 0 || s < lo {
			lo = s
		}
		if n == 0 || s > hi {
			hi = s
		}
		n++
	}
	return lo, hi, n
}

func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		InOrder:    t.inOrder.Load(),
		Duplicates: t.duplicates.Load(),
		Gaps:       t.gaps.Load(),
		Filled:     t.filled.Load(),
	}
}
