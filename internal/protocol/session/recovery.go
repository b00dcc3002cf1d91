package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
)

// PendingRequest tracks one recovery request awaiting its frames.
type PendingRequest struct {
	Request       payload.RecoveryRequest
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	DeadlineAt    time.Time
	LastError     string
}

// Covers reports whether seq falls inside the requested range.
func (p PendingRequest) Covers(seq uint64) bool {
	return seq >= p.Request.Start && seq <= p.Request.End
}

// PendingRecovery stores outstanding recovery requests per source. A source
// has at most one request in flight; a wider gap replaces the narrower one.
type PendingRecovery struct {
	mu    sync.RWMutex
	items map[frame.Source]PendingRequest
}

func NewPendingRecovery() *PendingRecovery {
	return &PendingRecovery{items: make(map[frame.Source]PendingRequest)}
}

// Upsert stores req, merging with an outstanding request for the same source.
// It returns the stored request.
func (o *PendingRecovery) Upsert(req payload.RecoveryRequest, now time.Time, timeout time.Duration) PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[req.Source]
	if ok {
		if req.Start > item.Request.Start {
			req.Start = item.Request.Start
		}
		if req.End < item.Request.End {
			req.End = item.Request.End
		}
		if item.Request.RequestType == payload.RecoverySnapshot {
			req.RequestType = payload.RecoverySnapshot
		}
		item.Request = req
	} else {
		item = PendingRequest{Request: req, QueuedAt: now}
	}
	item.DeadlineAt = now.Add(timeout)
	o.items[req.Source] = item
	return item
}

func (o *PendingRecovery) MarkAttempt(src frame.Source, at time.Time, timeout time.Duration, lastErr string) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[src]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.DeadlineAt = at.Add(timeout)
	item.LastError = lastErr
	o.items[src] = item
	return item, true
}

// Resolve drops the retransmit request for src once t has nothing missing
// inside its range. Otherwise the range shrinks to what t still misses and
// the narrowed request is returned with open set. Snapshot requests stay
// until a snapshot arrives.
func (o *PendingRecovery) Resolve(src frame.Source, t *Tracker) (item PendingRequest, open bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[src]
	if !ok {
		return PendingRequest{}, false
	}
	if item.Request.RequestType == payload.RecoverySnapshot {
		return item, true
	}
	lo, hi, n := t.MissingIn(src, item.Request.Start, item.Request.End)
	if n == 0 {
		delete(o.items, src)
		return item, false
	}
	item.Request.Start, item.Request.End = lo, hi
	o.items[src] = item
	return item, true
}

func (o *PendingRecovery) Remove(src frame.Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, src)
}

func (o *PendingRecovery) Get(src frame.Source) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[src]
	return item, ok
}

// Expired lists requests whose deadline is at or before now.
func (o *PendingRecovery) Expired(now time.Time) []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0)
	for _, item := range o.items {
		if !item.DeadlineAt.After(now) {
			out = append(out, item)
		}
	}
	sortPending(out)
	return out
}

func (o *PendingRecovery) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func (o *PendingRecovery) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func sortPending(items []PendingRequest) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Request.Source < items[j].Request.Source
	})
}
