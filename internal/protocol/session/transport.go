package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrInvalidNetwork  = errors.New("session: invalid network")
	ErrAddressRequired = errors.New("session: address required")
	ErrRemoteBind      = errors.New("session: non-loopback tcp address")
)

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// Endpoint is where a relay listens and clients dial.
type Endpoint struct {
	Network string `toml:"network" yaml:"network"`
	Address string `toml:"address" yaml:"address"`
	// AllowRemote permits tcp addresses outside the loopback range.
	AllowRemote bool `toml:"allow_remote" yaml:"allow_remote"`
}

func NormalizeNetwork(network string) string {
	n := strings.ToLower(strings.TrimSpace(network))
	if n == "" {
		return NetworkUnix
	}
	return n
}

// Validate enforces same-host transport unless AllowRemote is set.
func (e Endpoint) Validate() error {
	switch NormalizeNetwork(e.Network) {
	case NetworkUnix:
		if strings.TrimSpace(e.Address) == "" {
			return fmt.Errorf("%w: unix socket path", ErrAddressRequired)
		}
		return nil
	case NetworkTCP:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, e.Network)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(e.Address))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressRequired, err)
	}
	if e.AllowRemote {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrRemoteBind, e.Address)
	}
	return nil
}

func (e Endpoint) Listen(ctx context.Context) (net.Listener, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, NormalizeNetwork(e.Network), e.Address)
}

func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, NormalizeNetwork(e.Network), e.Address)
}

func (e Endpoint) String() string {
	return NormalizeNetwork(e.Network) + "://" + e.Address
}
