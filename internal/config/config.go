// Package config loads relayd configuration files. TOML is decoded with
// BurntSushi/toml and overlaid on defaults; files ending in .yaml or .yml are
// decoded with yaml.v3.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tlvrelay/internal/audit"
	"github.com/danmuck/tlvrelay/internal/bridge/natsmirror"
	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/relay"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout. Durations are strings such as "2s".
type File struct {
	Log     LogEntry     `toml:"log" yaml:"log"`
	Session SessionEntry `toml:"session" yaml:"session"`
	Mirror  MirrorEntry  `toml:"mirror" yaml:"mirror"`
	Relays  []RelayEntry `toml:"relays" yaml:"relays"`
}

type LogEntry struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

type SessionEntry struct {
	HandshakeTimeout string `toml:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	WriteTimeout     string `toml:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	QueueDepth       int    `toml:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	MaxRetransmit    uint64 `toml:"max_retransmit,omitempty" yaml:"max_retransmit,omitempty"`
	RecoveryTimeout  string `toml:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
}

type MirrorEntry struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	URL           string `toml:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

type RelayEntry struct {
	Domain       string       `toml:"domain" yaml:"domain"`
	ID           string       `toml:"id,omitempty" yaml:"id,omitempty"`
	Network      string       `toml:"network" yaml:"network"`
	Address      string       `toml:"address" yaml:"address"`
	AllowRemote  bool         `toml:"allow_remote,omitempty" yaml:"allow_remote,omitempty"`
	QueueDepth   int          `toml:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	Overflow     string       `toml:"overflow" yaml:"overflow"`
	DrainTimeout string       `toml:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	AdminAddr    string       `toml:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
	AdminToken   string       `toml:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	CorsOrigins  []string     `toml:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	Journal      JournalEntry `toml:"journal" yaml:"journal"`
	Audit        *AuditEntry  `toml:"audit,omitempty" yaml:"audit,omitempty"`
}

type JournalEntry struct {
	Kind     string `toml:"kind" yaml:"kind"`
	Path     string `toml:"path,omitempty" yaml:"path,omitempty"`
	Capacity int    `toml:"capacity,omitempty" yaml:"capacity,omitempty"`
}

type AuditEntry struct {
	Path       string `toml:"path" yaml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `toml:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   *bool  `toml:"compress,omitempty" yaml:"compress,omitempty"`
	Stdout     bool   `toml:"stdout,omitempty" yaml:"stdout,omitempty"`
}

// Config is a loaded, validated file.
type Config struct {
	Log    LogEntry
	Mirror natsmirror.Config
	Relays []relay.Config
}

// Load reads path and resolves it against defaults.
func Load(path string) (Config, error) {
	f, err := Decode(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := f.Resolve()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads path without resolving it. Sections missing from a TOML file
// keep their DefaultFile values.
func Decode(path string) (File, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(path)
	default:
		return decodeTOML(path)
	}
}

func decodeTOML(path string) (File, error) {
	def := DefaultFile()
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	out := def
	if meta.IsDefined("log", "level") {
		out.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		out.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("session") {
		out.Session = raw.Session
	}
	if meta.IsDefined("mirror", "enabled") {
		out.Mirror.Enabled = raw.Mirror.Enabled
	}
	if meta.IsDefined("mirror", "url") {
		out.Mirror.URL = strings.TrimSpace(raw.Mirror.URL)
	}
	if meta.IsDefined("mirror", "subject_prefix") {
		out.Mirror.SubjectPrefix = strings.TrimSpace(raw.Mirror.SubjectPrefix)
	}
	if meta.IsDefined("relays") {
		out.Relays = raw.Relays
	}
	return out, nil
}

func decodeYAML(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	out := DefaultFile()
	out.Relays = nil
	if err := yaml.Unmarshal(data, &out); err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if len(out.Relays) == 0 {
		out.Relays = DefaultFile().Relays
	}
	return out, nil
}

// DefaultFile describes one relay per domain on unix sockets.
func DefaultFile() File {
	mirror := natsmirror.DefaultConfig()
	f := File{
		Log: LogEntry{Level: "info"},
		Mirror: MirrorEntry{
			URL:           mirror.URL,
			SubjectPrefix: mirror.SubjectPrefix,
		},
	}
	for i, d := range frame.Domains() {
		rc := relay.DefaultConfig(d)
		entry := RelayEntry{
			Domain:    d.String(),
			Network:   rc.Endpoint.Network,
			Address:   rc.Endpoint.Address,
			Overflow:  string(rc.Overflow),
			AdminAddr: fmt.Sprintf("127.0.0.1:%d", 9101+i),
			Journal:   JournalEntry{Kind: journal.KindMemory, Capacity: journal.DefaultCapacity},
		}
		if d == frame.DomainExecution {
			compress := true
			ac := audit.DefaultConfig()
			entry.Overflow = string(relay.OverflowDisconnect)
			entry.Journal = JournalEntry{Kind: journal.KindSQLite, Path: "data/execution-journal.db", Capacity: journal.DefaultCapacity}
			entry.Audit = &AuditEntry{
				Path:       ac.Path,
				MaxSizeMB:  ac.MaxSizeMB,
				MaxBackups: ac.MaxBackups,
				MaxAgeDays: ac.MaxAgeDays,
				Compress:   &compress,
			}
		}
		f.Relays = append(f.Relays, entry)
	}
	return f
}

// Resolve converts the file into relay configs and validates them.
func (f File) Resolve() (Config, error) {
	sess, err := f.Session.resolve()
	if err != nil {
		return Config{}, err
	}
	mirror := natsmirror.DefaultConfig()
	mirror.Enabled = f.Mirror.Enabled
	if f.Mirror.URL != "" {
		mirror.URL = f.Mirror.URL
	}
	if f.Mirror.SubjectPrefix != "" {
		mirror.SubjectPrefix = f.Mirror.SubjectPrefix
	}

	out := Config{Log: f.Log, Mirror: mirror}
	seen := make(map[frame.Domain]bool, len(f.Relays))
	for i, entry := range f.Relays {
		rc, err := entry.resolve(sess, mirror)
		if err != nil {
			return Config{}, fmt.Errorf("relays[%d] invalid: %w", i, err)
		}
		if seen[rc.Domain] {
			return Config{}, fmt.Errorf("relays[%d] invalid: duplicate domain %s", i, rc.Domain)
		}
		seen[rc.Domain] = true
		out.Relays = append(out.Relays, rc)
	}
	if len(out.Relays) == 0 {
		return Config{}, fmt.Errorf("no relays configured")
	}
	return out, nil
}

func (s SessionEntry) resolve() (session.Config, error) {
	cfg := session.DefaultConfig()
	var err error
	if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", s.HandshakeTimeout, cfg.HandshakeTimeout); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = parseDuration("write_timeout", s.WriteTimeout, cfg.WriteTimeout); err != nil {
		return cfg, err
	}
	if cfg.RecoveryTimeout, err = parseDuration("recovery_timeout", s.RecoveryTimeout, cfg.RecoveryTimeout); err != nil {
		return cfg, err
	}
	if s.QueueDepth > 0 {
		cfg.QueueDepth = s.QueueDepth
	}
	if s.MaxRetransmit > 0 {
		cfg.MaxRetransmit = s.MaxRetransmit
	}
	return cfg, nil
}

func (e RelayEntry) resolve(sess session.Config, mirror natsmirror.Config) (relay.Config, error) {
	d, err := frame.ParseDomain(e.Domain)
	if err != nil {
		return relay.Config{}, err
	}
	cfg := relay.DefaultConfig(d)
	cfg.RelayID = strings.TrimSpace(e.ID)
	cfg.Session = sess
	cfg.Mirror = mirror
	cfg.Endpoint = session.Endpoint{
		Network:     session.NormalizeNetwork(e.Network),
		Address:     strings.TrimSpace(e.Address),
		AllowRemote: e.AllowRemote,
	}
	if cfg.Endpoint.Address == "" && cfg.Endpoint.Network == session.NetworkUnix {
		cfg.Endpoint.Address = relay.DefaultConfig(d).Endpoint.Address
	}
	cfg.QueueDepth = e.QueueDepth
	if e.Overflow != "" {
		cfg.Overflow = relay.OverflowPolicy(strings.TrimSpace(e.Overflow))
	}
	if cfg.DrainTimeout, err = parseDuration("drain_timeout", e.DrainTimeout, cfg.DrainTimeout); err != nil {
		return relay.Config{}, err
	}
	cfg.AdminAddr = strings.TrimSpace(e.AdminAddr)
	cfg.AdminToken = strings.TrimSpace(e.AdminToken)
	cfg.CorsOrigins = e.CorsOrigins

	if e.Journal.Kind != "" {
		cfg.Journal.Kind = strings.ToLower(strings.TrimSpace(e.Journal.Kind))
	}
	cfg.Journal.Path = strings.TrimSpace(e.Journal.Path)
	if e.Journal.Capacity > 0 {
		cfg.Journal.Capacity = e.Journal.Capacity
	}
	if cfg.Journal.Kind == journal.KindSQLite && cfg.Journal.Path == "" {
		return relay.Config{}, fmt.Errorf("journal path required for sqlite")
	}

	if a := e.Audit; a != nil {
		cfg.Audit.Path = strings.TrimSpace(a.Path)
		if a.MaxSizeMB > 0 {
			cfg.Audit.MaxSizeMB = a.MaxSizeMB
		}
		if a.MaxBackups > 0 {
			cfg.Audit.MaxBackups = a.MaxBackups
		}
		if a.MaxAgeDays > 0 {
			cfg.Audit.MaxAgeDays = a.MaxAgeDays
		}
		if a.Compress != nil {
			cfg.Audit.Compress = *a.Compress
		}
		cfg.Audit.Stdout = a.Stdout
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return relay.Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
