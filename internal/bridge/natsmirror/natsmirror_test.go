package natsmirror

import (
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func TestSubject(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		prefix string
		domain frame.Domain
		want   string
	}{
		{"", frame.DomainMarketData, "tlvrelay.market_data"},
		{"desk.a.", frame.DomainSignal, "desk.a.signal"},
		{" prod ", frame.DomainExecution, "prod.execution"},
	}
	for _, tc := range cases {
		if got := Subject(tc.prefix, tc.domain); got != tc.want {
			t.Fatalf("Subject(%q, %s) = %q want %q", tc.prefix, tc.domain, got, tc.want)
		}
	}
}

func TestOpenDisabledIsNop(t *testing.T) {
	testlog.Start(t)
	m, err := Open(DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := m.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", m)
	}
	if err := m.Publish(frame.DomainSignal, []byte{1}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}

func TestConnectFailsFastWithoutServer(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectWait = 200 * time.Millisecond
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected connect error")
	}
}
