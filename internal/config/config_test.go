package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplatesRoundTripThroughLoad(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"relayd.toml", "relayd.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteTemplate(path, "", false); err != nil {
			t.Fatalf("%s: write template: %v", name, err)
		}
		if err := WriteTemplate(path, "", false); err == nil {
			t.Fatalf("%s: second write without overwrite should fail", name)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if len(cfg.Relays) != 3 {
			t.Fatalf("%s: expected 3 relays, got %d", name, len(cfg.Relays))
		}
		exec := cfg.Relays[2]
		if exec.Domain != frame.DomainExecution || exec.Journal.Kind != journal.KindSQLite {
			t.Fatalf("%s: unexpected execution relay %+v", name, exec)
		}
		if exec.Overflow != relay.OverflowDisconnect || !exec.Audit.Compress {
			t.Fatalf("%s: execution defaults lost: overflow=%s compress=%v", name, exec.Overflow, exec.Audit.Compress)
		}
		if cfg.Mirror.Enabled {
			t.Fatalf("%s: mirror should default off", name)
		}
	}
}

func TestLoadTOMLOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "relayd.toml", `
[log]
level = "debug"

[session]
write_timeout = "750ms"
max_retransmit = 64

[mirror]
enabled = true
subject_prefix = "desk"

[[relays]]
domain = "signal"
network = "tcp"
address = "127.0.0.1:7201"
overflow = "disconnect"
drain_timeout = "500ms"
cors_origins = ["http://localhost:3000"]

[relays.journal]
kind = "none"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level not applied: %q", cfg.Log.Level)
	}
	if !cfg.Mirror.Enabled || cfg.Mirror.SubjectPrefix != "desk" || cfg.Mirror.URL == "" {
		t.Fatalf("mirror overlay wrong: %+v", cfg.Mirror)
	}
	if len(cfg.Relays) != 1 {
		t.Fatalf("expected only the configured relay, got %d", len(cfg.Relays))
	}
	rc := cfg.Relays[0]
	if rc.Domain != frame.DomainSignal || rc.Endpoint.Address != "127.0.0.1:7201" {
		t.Fatalf("relay endpoint wrong: %+v", rc.Endpoint)
	}
	if rc.DrainTimeout != 500*time.Millisecond || rc.Session.WriteTimeout != 750*time.Millisecond {
		t.Fatalf("durations wrong: drain=%s write=%s", rc.DrainTimeout, rc.Session.WriteTimeout)
	}
	if rc.Session.MaxRetransmit != 64 || rc.Journal.Kind != journal.KindNone || !rc.Mirror.Enabled {
		t.Fatalf("nested overlays wrong: %+v", rc)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown_key.toml":    "bogus = 1\n",
		"bad_domain.toml":     "[[relays]]\ndomain = \"options\"\n",
		"remote_tcp.toml":     "[[relays]]\ndomain = \"signal\"\nnetwork = \"tcp\"\naddress = \"10.0.0.5:7000\"\n",
		"duplicate.toml":      "[[relays]]\ndomain = \"signal\"\n[[relays]]\ndomain = \"signal\"\n",
		"bad_duration.toml":   "[[relays]]\ndomain = \"signal\"\ndrain_timeout = \"soon\"\n",
		"sqlite_no_path.toml": "[[relays]]\ndomain = \"execution\"\n[relays.journal]\nkind = \"sqlite\"\n",
		"bad_overflow.yaml":   "relays:\n  - domain: signal\n    overflow: block\n",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, name, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTemplateRejectsUnknownFormat(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("ini"); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if FormatFor("a/b.yml") != FormatYAML || FormatFor("relayd.toml") != FormatTOML {
		t.Fatalf("format detection wrong")
	}
}

func TestSampleRelaydConfigLoads(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(filepath.Join("..", "..", "cmd", "relayd", "config.toml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if len(cfg.Relays) != 3 {
		t.Fatalf("expected 3 relays, got %d", len(cfg.Relays))
	}
	exec := cfg.Relays[2]
	if exec.Domain != frame.DomainExecution || exec.Journal.Kind != journal.KindSQLite || !exec.Audit.Compress {
		t.Fatalf("unexpected execution relay %+v", exec)
	}
}
