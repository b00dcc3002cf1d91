package relay

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/tlvrelay/internal/audit"
	"github.com/danmuck/tlvrelay/internal/bridge/natsmirror"
	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
)

// OverflowPolicy decides what happens when a consumer queue is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

func (p OverflowPolicy) Valid() bool {
	return p == OverflowDropOldest || p == OverflowDisconnect
}

const DefaultSocketDir = "/tmp/tlvrelay"

type Config struct {
	Domain   frame.Domain
	Endpoint session.Endpoint
	// RelayID defaults to a random uuid.
	RelayID string
	// QueueDepth bounds each consumer queue; zero uses Session.QueueDepth.
	QueueDepth   int
	Overflow     OverflowPolicy
	DrainTimeout time.Duration
	Limits       frame.Limits
	Journal      journal.Config
	Audit        audit.Config
	Mirror       natsmirror.Config
	AdminAddr    string
	// AdminToken, when set, is required as a bearer token on /stats.
	AdminToken  string
	CorsOrigins []string
	Session     session.Config
}

// DefaultConfig serves d on a unix socket under DefaultSocketDir.
func DefaultConfig(d frame.Domain) Config {
	return Config{
		Domain: d,
		Endpoint: session.Endpoint{
			Network: session.NetworkUnix,
			Address: filepath.Join(DefaultSocketDir, d.String()+".sock"),
		},
		Overflow:     OverflowDropOldest,
		DrainTimeout: 2 * time.Second,
		Limits:       frame.DefaultLimits(),
		Journal:      journal.DefaultConfig(),
		Audit:        audit.DefaultConfig(),
		Mirror:       natsmirror.DefaultConfig(),
		Session:      session.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig(c.Domain).
func (c Config) WithDefaults() Config {
	d := DefaultConfig(c.Domain)
	c.Endpoint.Network = session.NormalizeNetwork(c.Endpoint.Network)
	if strings.TrimSpace(c.Endpoint.Address) == "" && c.Endpoint.Network == session.NetworkUnix {
		c.Endpoint.Address = d.Endpoint.Address
	}
	c.Session = c.Session.WithDefaults()
	if c.QueueDepth <= 0 {
		c.QueueDepth = c.Session.QueueDepth
	}
	if c.Overflow == "" {
		c.Overflow = d.Overflow
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Journal.Kind == "" {
		c.Journal = d.Journal
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join("logs", c.Domain.String()+"-audit.log")
	}
	return c
}

func (c Config) Validate() error {
	if !c.Domain.Valid() {
		return fmt.Errorf("relay: %w: %d", frame.ErrInvalidDomain, uint8(c.Domain))
	}
	if !c.Overflow.Valid() {
		return fmt.Errorf("relay: unknown overflow policy %q", c.Overflow)
	}
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("relay %s: %w", c.Domain, err)
	}
	return nil
}
