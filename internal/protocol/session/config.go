package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool          `toml:"jitter" yaml:"jitter"`
}

// Config defines connection timeouts and recovery limits shared by relays and
// clients.
type Config struct {
	ConnectTimeout   time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	QueueDepth       int           `toml:"queue_depth" yaml:"queue_depth"`

	// MaxRetransmit is the largest gap a consumer asks to have replayed;
	// larger gaps request a snapshot.
	MaxRetransmit       uint64        `toml:"max_retransmit" yaml:"max_retransmit"`
	RecoveryTimeout     time.Duration `toml:"recovery_timeout" yaml:"recovery_timeout"`
	MaxRecoveryAttempts int           `toml:"max_recovery_attempts" yaml:"max_recovery_attempts"`

	Backoff BackoffConfig `toml:"backoff" yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      5 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		QueueDepth:          4096,
		MaxRetransmit:       1024,
		RecoveryTimeout:     2 * time.Second,
		MaxRecoveryAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = d.MaxRetransmit
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
