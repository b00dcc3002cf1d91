// Package client holds the publisher and consumer sides of a relay
// connection: registration, sequencing, gap recovery and reconnects.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
)

const readBufferSize = 64 << 10

var (
	ErrClosed         = errors.New("client: closed")
	ErrMissingID      = errors.New("client: client id required")
	ErrInvalidDomain  = errors.New("client: invalid domain")
	ErrNotReconnected = errors.New("client: connection lost")
)

// Config is shared by publishers and consumers.
type Config struct {
	Endpoint session.Endpoint
	Domain   frame.Domain
	ClientID string
	Source   frame.Source
	Session  session.Config
	Limits   frame.Limits
	// Reconnect redials with backoff after the connection drops.
	Reconnect bool
}

func (c Config) withDefaults() Config {
	c.Session = c.Session.WithDefaults()
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	c.ClientID = strings.TrimSpace(c.ClientID)
	return c
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return ErrMissingID
	}
	if !c.Domain.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDomain, c.Domain)
	}
	return c.Endpoint.Validate()
}

type link struct {
	conn   net.Conn
	reader *bufio.Reader
	ack    session.RegistrationAck
}

// dial connects and completes the registration handshake under the connect
// and handshake timeouts.
func dial(ctx context.Context, cfg Config, role session.Role) (*link, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
	defer cancel()
	conn, err := cfg.Endpoint.Dial(dctx)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	reg := session.Registration{
		ClientID: cfg.ClientID,
		Role:     role,
		Domain:   cfg.Domain,
		Source:   cfg.Source,
		Version:  frame.Version,
	}
	if err := session.WriteRegistration(conn, reg); err != nil {
		conn.Close()
		return nil, err
	}
	reader := bufio.NewReaderSize(conn, readBufferSize)
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ack.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &link{conn: conn, reader: reader, ack: ack}, nil
}

// redial retries dial with backoff until it succeeds, ctx ends or done closes.
func redial(ctx context.Context, cfg Config, role session.Role, backoff *session.Backoff, done <-chan struct{}) (*link, error) {
	for {
		delay := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-done:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
		l, err := dial(ctx, cfg, role)
		if err == nil {
			backoff.Reset()
			return l, nil
		}
		if errors.Is(err, session.ErrRegistrationRejected) {
			return nil, err
		}
	}
}
