package relay

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
)

// ConnState is the lifecycle position of one connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type counters struct {
	received           atomic.Uint64
	forwarded          atomic.Uint64
	dropped            atomic.Uint64
	checksumFailures   atomic.Uint64
	validationFailures atomic.Uint64
	domainMismatches   atomic.Uint64
	overflowDrops      atomic.Uint64
	recoveries         atomic.Uint64
	recoveriesReplayed atomic.Uint64
	recoveriesForward  atomic.Uint64
	recoveriesStalled  atomic.Uint64
	snapshotsRouted    atomic.Uint64
	mirrorErrors       atomic.Uint64
}

// ConnInfo describes one registered connection.
type ConnInfo struct {
	ID         uint64       `json:"id"`
	Role       session.Role `json:"role"`
	ClientID   string       `json:"client_id"`
	Source     frame.Source `json:"source"`
	ConsumerID uint32       `json:"consumer_id,omitempty"`
	Remote     string       `json:"remote"`
	State      ConnState    `json:"state"`
	Since      time.Time    `json:"since"`
	Frames     uint64       `json:"frames"`
	Queued     int          `json:"queued,omitempty"`
	Dropped    uint64       `json:"dropped,omitempty"`
}

type Stats struct {
	RelayID            string     `json:"relay_id"`
	Domain             string     `json:"domain"`
	Uptime             string     `json:"uptime"`
	Received           uint64     `json:"received"`
	Forwarded          uint64     `json:"forwarded"`
	Dropped            uint64     `json:"dropped"`
	ChecksumFailures   uint64     `json:"checksum_failures"`
	ValidationFailures uint64     `json:"validation_failures"`
	DomainMismatches   uint64     `json:"domain_mismatches"`
	OverflowDrops      uint64     `json:"overflow_drops"`
	Recoveries         uint64     `json:"recoveries"`
	RecoveriesReplayed uint64     `json:"recoveries_replayed"`
	RecoveriesForward  uint64     `json:"recoveries_forwarded"`
	RecoveriesStalled  uint64     `json:"recoveries_stalled"`
	SnapshotsRouted    uint64     `json:"snapshots_routed"`
	MirrorErrors       uint64     `json:"mirror_errors"`
	Publishers         int        `json:"publishers"`
	Consumers          int        `json:"consumers"`
	Connections        []ConnInfo `json:"connections"`
}

func (r *Relay) Stats() Stats {
	s := Stats{
		RelayID:            r.cfg.RelayID,
		Domain:             r.cfg.Domain.String(),
		Uptime:             r.now().Sub(r.started).Round(time.Millisecond).String(),
		Received:           r.stats.received.Load(),
		Forwarded:          r.stats.forwarded.Load(),
		Dropped:            r.stats.dropped.Load(),
		ChecksumFailures:   r.stats.checksumFailures.Load(),
		ValidationFailures: r.stats.validationFailures.Load(),
		DomainMismatches:   r.stats.domainMismatches.Load(),
		OverflowDrops:      r.stats.overflowDrops.Load(),
		Recoveries:         r.stats.recoveries.Load(),
		RecoveriesReplayed: r.stats.recoveriesReplayed.Load(),
		RecoveriesForward:  r.stats.recoveriesForward.Load(),
		RecoveriesStalled:  r.stats.recoveriesStalled.Load(),
		SnapshotsRouted:    r.stats.snapshotsRouted.Load(),
		MirrorErrors:       r.stats.mirrorErrors.Load(),
	}

	r.regMu.RLock()
	s.Publishers = len(r.publishers)
	s.Consumers = len(r.consumers)
	s.Connections = make([]ConnInfo, 0, s.Publishers+s.Consumers)
	for _, p := range r.publishers {
		s.Connections = append(s.Connections, p.info())
	}
	for _, c := range r.consumers {
		s.Connections = append(s.Connections, c.info())
	}
	r.regMu.RUnlock()

	sort.Slice(s.Connections, func(i, j int) bool {
		return s.Connections[i].ID < s.Connections[j].ID
	})
	return s
}
