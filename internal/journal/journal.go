// Package journal keeps recently forwarded frames so a relay can answer
// retransmit requests without involving the publisher.
package journal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
	KindNone   = "none"

	DefaultCapacity = 65536
)

var (
	ErrClosed      = errors.New("journal: closed")
	ErrUnknownKind = errors.New("journal: unknown kind")
)

// Journal stores frames by source and sequence. Append retains raw; callers
// must not modify it afterwards.
type Journal interface {
	Append(src frame.Source, seq uint64, raw []byte) error
	// Range returns frames for the inclusive range [start, end] in sequence
	// order. ok is false when any sequence in the range is missing.
	Range(src frame.Source, start, end uint64) (frames [][]byte, ok bool)
	Close() error
}

// Config selects and sizes a journal.
type Config struct {
	Kind     string `toml:"kind" yaml:"kind"`
	Path     string `toml:"path" yaml:"path"`
	Capacity int    `toml:"capacity" yaml:"capacity"`
}

func DefaultConfig() Config {
	return Config{Kind: KindMemory, Capacity: DefaultCapacity}
}

// Open builds the journal described by cfg. Kind "none" returns Nop.
func Open(cfg Config) (Journal, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindMemory:
		return NewMemory(cfg.Capacity), nil
	case KindSQLite:
		return OpenSQLite(cfg.Path, cfg.Capacity)
	case KindNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Nop stores nothing; every Range misses.
type Nop struct{}

func (Nop) Append(frame.Source, uint64, []byte) error { return nil }

func (Nop) Range(frame.Source, uint64, uint64) ([][]byte, bool) { return nil, false }

func (Nop) Close() error { return nil }
