// Package natsmirror copies forwarded frames onto NATS subjects so relays on
// other hosts can observe a domain without a direct socket.
package natsmirror

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubjectPrefix = "tlvrelay"

var ErrClosed = errors.New("natsmirror: closed")

// Mirror receives every frame a relay forwards. Publish must not block on
// the network.
type Mirror interface {
	Publish(d frame.Domain, raw []byte) error
	Close() error
}

type Config struct {
	Enabled       bool          `toml:"enabled" yaml:"enabled"`
	URL           string        `toml:"url" yaml:"url"`
	SubjectPrefix string        `toml:"subject_prefix" yaml:"subject_prefix"`
	Name          string        `toml:"name" yaml:"name"`
	ConnectWait   time.Duration `toml:"connect_wait" yaml:"connect_wait"`
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		Name:          "tlvrelay",
		ConnectWait:   2 * time.Second,
	}
}

// Subject returns "<prefix>.<domain>".
func Subject(prefix string, d frame.Domain) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + d.String()
}

// Open returns a NATS mirror when enabled and Nop otherwise.
func Open(cfg Config) (Mirror, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return Connect(cfg)
}

// NATS publishes raw frames with the core (fire and forget) client; the
// client buffers while reconnecting.
type NATS struct {
	conn     *nats.Conn
	subjects map[frame.Domain]string
	owned    bool
}

func Connect(cfg Config) (*NATS, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = def.URL
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = def.ConnectWait
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectWait),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("url", cfg.URL).Msg("natsmirror.disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("natsmirror.reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsmirror: connect %s: %w", cfg.URL, err)
	}
	m := NewNATS(nc, cfg.SubjectPrefix)
	m.owned = true
	return m, nil
}

// NewNATS wraps an existing connection. Close does not close conn.
func NewNATS(conn *nats.Conn, prefix string) *NATS {
	subjects := make(map[frame.Domain]string, 3)
	for _, d := range frame.Domains() {
		subjects[d] = Subject(prefix, d)
	}
	return &NATS{conn: conn, subjects: subjects}
}

func (m *NATS) Publish(d frame.Domain, raw []byte) error {
	subject, ok := m.subjects[d]
	if !ok {
		return fmt.Errorf("%w: %d", frame.ErrInvalidDomain, uint8(d))
	}
	if m.conn.IsClosed() {
		return ErrClosed
	}
	return m.conn.Publish(subject, raw)
}

func (m *NATS) Close() error {
	if !m.owned {
		return nil
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}

type Nop struct{}

func (Nop) Publish(frame.Domain, []byte) error { return nil }
func (Nop) Close() error                       { return nil }
