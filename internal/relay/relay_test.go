package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/audit"
	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/instrument"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu       sync.Mutex
	messages []audit.Entry
	failures []audit.Entry
}

func (a *recordingAuditor) Message(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, e)
}

func (a *recordingAuditor) ChecksumFailure(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, e)
}

func (a *recordingAuditor) Close() error { return nil }

func (a *recordingAuditor) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages), len(a.failures)
}

type harness struct {
	relay  *Relay
	addr   string
	domain frame.Domain
}

func startRelay(t *testing.T, d frame.Domain, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig(d)
	cfg.Endpoint = session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"}
	cfg.Journal = journal.Config{Kind: journal.KindMemory, Capacity: 1024}
	cfg.Audit.Path = t.TempDir() + "/audit.log"
	cfg.DrainTimeout = 200 * time.Millisecond
	cfg.QueueDepth = 256
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("relay did not stop")
		}
	})
	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)
	return &harness{relay: r, addr: ln.Addr().String(), domain: d}
}

func (h *harness) journaled(t *testing.T, src frame.Source, start, end uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.relay.journal.Range(src, start, end)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

type peer struct {
	conn   net.Conn
	reader *bufio.Reader
	ack    session.RegistrationAck
	policy protocol.Policy
}

func (h *harness) dial(t *testing.T, role session.Role, clientID string, src frame.Source) *peer {
	t.Helper()
	p, err := h.tryDial(role, clientID, h.domain, src)
	require.NoError(t, err)
	require.NoError(t, p.ack.Err())
	t.Cleanup(func() { _ = p.conn.Close() })
	return p
}

func (h *harness) tryDial(role session.Role, clientID string, d frame.Domain, src frame.Source) (*peer, error) {
	conn, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		return nil, err
	}
	reg := session.Registration{ClientID: clientID, Role: role, Domain: d, Source: src}
	if err := session.WriteRegistration(conn, reg); err != nil {
		conn.Close()
		return nil, err
	}
	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return &peer{conn: conn, reader: reader, ack: ack, policy: protocol.PolicyFor(h.domain)}, nil
}

func (p *peer) send(t *testing.T, raw []byte) {
	t.Helper()
	_, err := p.conn.Write(raw)
	require.NoError(t, err)
}

func (p *peer) next(t *testing.T) *protocol.Message {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := protocol.Decode(p.reader, p.policy, frame.Limits{})
	require.NoError(t, err)
	return msg
}

// silent asserts nothing arrives within d.
func (p *peer) silent(t *testing.T, d time.Duration) {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(d))
	_, err := p.reader.Peek(1)
	var ne net.Error
	require.ErrorAs(t, err, &ne, "expected no frame")
	require.True(t, ne.Timeout())
}

func coin(t *testing.T, v instrument.Venue, symbol string) instrument.ID {
	t.Helper()
	id, err := instrument.Coin(v, symbol)
	require.NoError(t, err)
	return id
}

func signalFrame(t *testing.T, seq uint64) []byte {
	t.Helper()
	raw, err := protocol.NewBuilder(frame.DomainSignal, frame.SourceArbitrageStrategy).
		AddPayload(payload.SignalIdentity{SignalID: seq, StrategyID: 7, Confidence: 90}).
		Build(seq, uint64(time.Now().UnixNano()))
	require.NoError(t, err)
	return raw
}

func tradeFrame(t *testing.T, seq uint64) []byte {
	t.Helper()
	raw, err := protocol.NewBuilder(frame.DomainMarketData, frame.SourceKrakenCollector).
		AddPayload(payload.Trade{
			Instrument: coin(t, instrument.VenueKraken, "BTC"),
			Price:      payload.Fixed(6_500_000_000_000),
			Volume:     payload.Fixed(100_000_000),
			Side:       payload.SideBuy,
		}).
		Build(seq, uint64(time.Now().UnixNano()))
	require.NoError(t, err)
	return raw
}

func orderFrame(t *testing.T, seq uint64) []byte {
	t.Helper()
	raw, err := protocol.NewBuilder(frame.DomainExecution, frame.SourceExecutionEngine).
		AddPayload(payload.OrderRequest{
			OrderID:     seq,
			Instrument:  coin(t, instrument.VenueBinance, "ETH"),
			Side:        payload.SideSell,
			OrderType:   payload.OrderLimit,
			TimeInForce: payload.TIFGoodTillCancel,
			Price:       payload.Fixed(300_000_000_000),
			Quantity:    payload.Fixed(50_000_000),
		}).
		Build(seq, uint64(time.Now().UnixNano()))
	require.NoError(t, err)
	return raw
}

func recoveryFrame(t *testing.T, d frame.Domain, req payload.RecoveryRequest) []byte {
	t.Helper()
	raw, err := protocol.NewBuilder(d, frame.SourceMonitor).AddPayload(req).Build(1, 1)
	require.NoError(t, err)
	return raw
}

func TestRelayDeliversToEveryConsumerInPublishOrder(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)

	consumers := make([]*peer, 3)
	for i := range consumers {
		consumers[i] = h.dial(t, session.RoleConsumer, "consumer", frame.SourceMonitor)
		require.NotZero(t, consumers[i].ack.ConsumerID)
	}
	pub := h.dial(t, session.RolePublisher, "arb-1", frame.SourceArbitrageStrategy)

	const n = 50
	for seq := uint64(1); seq <= n; seq++ {
		pub.send(t, signalFrame(t, seq))
	}
	for _, c := range consumers {
		for seq := uint64(1); seq <= n; seq++ {
			msg := c.next(t)
			require.Equal(t, seq, msg.Header.Sequence)
			var id payload.SignalIdentity
			require.NoError(t, msg.Unmarshal(tlv.TypeSignalIdentity, &id))
			require.Equal(t, seq, id.SignalID)
		}
	}
	require.Eventually(t, func() bool { return h.relay.Stats().Forwarded == 3*n }, time.Second, 5*time.Millisecond)
	stats := h.relay.Stats()
	assert.Equal(t, uint64(n), stats.Received)
	assert.Equal(t, 3, stats.Consumers)
	assert.Equal(t, 1, stats.Publishers)
}

func TestConsumerDisconnectDoesNotAffectOthers(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainMarketData, nil)
	leaving := h.dial(t, session.RoleConsumer, "leaving", frame.SourceMonitor)
	staying := h.dial(t, session.RoleConsumer, "staying", frame.SourceMonitor)
	pub := h.dial(t, session.RolePublisher, "kraken", frame.SourceKrakenCollector)

	for seq := uint64(1); seq <= 10; seq++ {
		pub.send(t, tradeFrame(t, seq))
	}
	for seq := uint64(1); seq <= 10; seq++ {
		require.Equal(t, seq, staying.next(t).Header.Sequence)
	}
	require.NoError(t, leaving.conn.Close())
	require.Eventually(t, func() bool { return h.relay.Stats().Consumers == 1 }, 2*time.Second, 5*time.Millisecond)

	for seq := uint64(11); seq <= 20; seq++ {
		pub.send(t, tradeFrame(t, seq))
	}
	for seq := uint64(11); seq <= 20; seq++ {
		require.Equal(t, seq, staying.next(t).Header.Sequence)
	}
}

func TestRetransmitReplaysExactlyTheRequestedRange(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainMarketData, nil)
	pub := h.dial(t, session.RolePublisher, "kraken", frame.SourceKrakenCollector)
	for seq := uint64(1); seq <= 20; seq++ {
		pub.send(t, tradeFrame(t, seq))
	}
	h.journaled(t, frame.SourceKrakenCollector, 1, 20)

	c := h.dial(t, session.RoleConsumer, "late", frame.SourceMonitor)
	c.send(t, recoveryFrame(t, frame.DomainMarketData, payload.RecoveryRequest{
		Source:      frame.SourceKrakenCollector,
		RequestType: payload.RecoveryRetransmit,
		Start:       5,
		End:         9,
	}))
	for seq := uint64(5); seq <= 9; seq++ {
		msg := c.next(t)
		require.Equal(t, seq, msg.Header.Sequence)
		require.True(t, msg.Retransmitted())
		require.True(t, msg.Has(tlv.TypeTrade))
	}
	c.silent(t, 100*time.Millisecond)

	stats := h.relay.Stats()
	assert.Equal(t, uint64(1), stats.Recoveries)
	assert.Equal(t, uint64(1), stats.RecoveriesReplayed)
}

func TestRetransmitLongerThanQueueDepthIsComplete(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainMarketData, func(c *Config) {
		c.QueueDepth = 16
		c.Overflow = OverflowDropOldest
	})
	pub := h.dial(t, session.RolePublisher, "kraken", frame.SourceKrakenCollector)
	for seq := uint64(1); seq <= 300; seq++ {
		pub.send(t, tradeFrame(t, seq))
	}
	h.journaled(t, frame.SourceKrakenCollector, 1, 300)

	c := h.dial(t, session.RoleConsumer, "late", frame.SourceMonitor)
	c.send(t, recoveryFrame(t, frame.DomainMarketData, payload.RecoveryRequest{
		Source:      frame.SourceKrakenCollector,
		RequestType: payload.RecoveryRetransmit,
		Start:       1,
		End:         300,
	}))
	// Live frames overflow the fan-out queue while the replay is pending.
	for seq := uint64(301); seq <= 400; seq++ {
		pub.send(t, tradeFrame(t, seq))
	}

	want := uint64(1)
	for want <= 300 {
		msg := c.next(t)
		if !msg.Retransmitted() {
			continue
		}
		require.Equal(t, want, msg.Header.Sequence)
		want++
	}

	stats := h.relay.Stats()
	assert.Equal(t, uint64(1), stats.RecoveriesReplayed)
	assert.Zero(t, stats.RecoveriesStalled)
}

func TestReplayStallsInsteadOfEvicting(t *testing.T) {
	testlog.Start(t)
	r, err := New(Config{
		Domain:     frame.DomainMarketData,
		Endpoint:   session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"},
		QueueDepth: 2,
		Journal:    journal.Config{Kind: journal.KindNone},
		Session:    session.Config{WriteTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	defer r.close()

	a, b := net.Pipe()
	t.Cleanup(func() { _ = b.Close() })
	c := r.newConsumer(connBase{conn: a})
	c.overflow = OverflowDisconnect

	require.True(t, r.deliver(c, []byte{1}))
	require.True(t, r.deliver(c, []byte{2}))
	require.False(t, r.deliver(c, []byte{3}))
	require.False(t, c.isClosed(), "targeted frames never trip the overflow policy")
	raw, ok := c.pending()
	require.True(t, ok)
	require.Equal(t, []byte{1}, raw)
	require.Zero(t, r.Stats().OverflowDrops)
}

func TestRetransmitOfSealedDomainKeepsValidChecksum(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)
	pub := h.dial(t, session.RolePublisher, "arb", frame.SourceArbitrageStrategy)
	for seq := uint64(1); seq <= 3; seq++ {
		pub.send(t, signalFrame(t, seq))
	}
	h.journaled(t, frame.SourceArbitrageStrategy, 1, 3)

	c := h.dial(t, session.RoleConsumer, "c", frame.SourceMonitor)
	c.send(t, recoveryFrame(t, frame.DomainSignal, payload.RecoveryRequest{
		Source:      frame.SourceArbitrageStrategy,
		RequestType: payload.RecoveryRetransmit,
		Start:       2,
		End:         3,
	}))
	// next decodes under the Signal policy, so a stale checksum fails here.
	require.Equal(t, uint64(2), c.next(t).Header.Sequence)
	require.Equal(t, uint64(3), c.next(t).Header.Sequence)
}

func TestChecksumFailureIsDroppedCountedAndAudited(t *testing.T) {
	testlog.Start(t)
	auditor := &recordingAuditor{}
	h := startRelay(t, frame.DomainExecution, nil, WithAuditor(auditor))
	c := h.dial(t, session.RoleConsumer, "risk", frame.SourceRiskManager)
	pub := h.dial(t, session.RolePublisher, "engine", frame.SourceExecutionEngine)

	corrupt := orderFrame(t, 2)
	corrupt[len(corrupt)-1] ^= 0xFF
	pub.send(t, orderFrame(t, 1))
	pub.send(t, corrupt)
	pub.send(t, orderFrame(t, 3))

	require.Equal(t, uint64(1), c.next(t).Header.Sequence)
	require.Equal(t, uint64(3), c.next(t).Header.Sequence)

	stats := h.relay.Stats()
	assert.Equal(t, uint64(1), stats.ChecksumFailures)
	assert.Equal(t, uint64(1), stats.Dropped)
	messages, failures := auditor.counts()
	assert.Equal(t, 2, messages)
	assert.Equal(t, 1, failures)
	assert.Equal(t, uint64(2), auditor.failures[0].Sequence)
}

func TestCorruptRecoveryRequestIsCountedAsDropped(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)
	c := h.dial(t, session.RoleConsumer, "risk", frame.SourceRiskManager)

	corrupt := recoveryFrame(t, frame.DomainSignal, payload.RecoveryRequest{
		Source:      frame.SourceArbitrageStrategy,
		RequestType: payload.RecoveryRetransmit,
		Start:       1,
		End:         2,
	})
	corrupt[len(corrupt)-1] ^= 0xFF
	c.send(t, corrupt)

	require.Eventually(t, func() bool {
		s := h.relay.Stats()
		return s.ChecksumFailures == 1 && s.Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.relay.Stats().Recoveries)
	c.silent(t, 100*time.Millisecond)
}

func TestCrossDomainFieldIsRejected(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)
	c := h.dial(t, session.RoleConsumer, "c", frame.SourceMonitor)
	pub := h.dial(t, session.RolePublisher, "arb", frame.SourceArbitrageStrategy)

	bad, err := protocol.NewBuilder(frame.DomainSignal, frame.SourceArbitrageStrategy).
		Add(tlv.TypeTrade, make([]byte, payload.TradeSize)).
		Build(1, 1)
	require.NoError(t, err)
	pub.send(t, bad)
	pub.send(t, signalFrame(t, 2))

	require.Equal(t, uint64(2), c.next(t).Header.Sequence)
	assert.Equal(t, uint64(1), h.relay.Stats().ValidationFailures)
}

func TestSnapshotIsRoutedOnlyToRequester(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)
	pub := h.dial(t, session.RolePublisher, "arb", frame.SourceArbitrageStrategy)
	requester := h.dial(t, session.RoleConsumer, "requester", frame.SourceMonitor)
	bystander := h.dial(t, session.RoleConsumer, "bystander", frame.SourceMonitor)

	requester.send(t, recoveryFrame(t, frame.DomainSignal, payload.RecoveryRequest{
		Source:      frame.SourceArbitrageStrategy,
		RequestType: payload.RecoverySnapshot,
		Start:       1,
		End:         5000,
	}))

	fwd := pub.next(t)
	require.Equal(t, frame.SourceSignalRelay, fwd.Header.Source)
	var req payload.RecoveryRequest
	require.NoError(t, fwd.Unmarshal(tlv.TypeRecoveryRequest, &req))
	require.Equal(t, requester.ack.ConsumerID, req.ConsumerID)
	require.Equal(t, payload.RecoverySnapshot, req.RequestType)

	snap, err := protocol.NewBuilder(frame.DomainSignal, frame.SourceArbitrageStrategy).
		SetFlags(frame.FlagSnapshot).
		AddPayload(payload.Snapshot{
			ConsumerID:   req.ConsumerID,
			Source:       frame.SourceArbitrageStrategy,
			LastSequence: 5000,
			State:        []byte("book-state"),
		}).
		Build(5000, 1)
	require.NoError(t, err)
	pub.send(t, snap)
	pub.send(t, signalFrame(t, 5001))

	got := requester.next(t)
	require.True(t, got.IsSnapshot())
	var s payload.Snapshot
	require.NoError(t, got.Unmarshal(tlv.TypeSnapshot, &s))
	require.Equal(t, "book-state", string(s.State))
	require.Equal(t, uint64(5001), requester.next(t).Header.Sequence)

	require.Equal(t, uint64(5001), bystander.next(t).Header.Sequence)
	require.Eventually(t, func() bool { return h.relay.Stats().SnapshotsRouted == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecoveryWithoutPublisherReportsError(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainMarketData, nil)
	c := h.dial(t, session.RoleConsumer, "c", frame.SourceMonitor)
	c.send(t, recoveryFrame(t, frame.DomainMarketData, payload.RecoveryRequest{
		Source:      frame.SourceBinanceCollector,
		RequestType: payload.RecoveryRetransmit,
		Start:       1,
		End:         3,
	}))
	msg := c.next(t)
	require.Equal(t, frame.SourceMarketDataRelay, msg.Header.Source)
	var report payload.ErrorReport
	require.NoError(t, msg.Unmarshal(tlv.TypeError, &report))
	assert.Equal(t, ErrCodeRecoveryUnavailable, report.Code)
}

func TestRegistrationRejections(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, nil)

	p, err := h.tryDial(session.RoleConsumer, "wrong-domain", frame.DomainExecution, frame.SourceMonitor)
	require.NoError(t, err)
	defer p.conn.Close()
	require.ErrorIs(t, p.ack.Err(), session.ErrRegistrationRejected)
	require.Equal(t, session.AckCodeDomainMismatch, p.ack.Code)
	require.Equal(t, frame.DomainSignal, p.ack.Domain)
}

func TestOverflowPolicies(t *testing.T) {
	testlog.Start(t)
	r, err := New(Config{
		Domain:     frame.DomainMarketData,
		Endpoint:   session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"},
		QueueDepth: 2,
		Journal:    journal.Config{Kind: journal.KindNone},
	})
	require.NoError(t, err)
	defer r.close()

	newConsumer := func(policy OverflowPolicy) *consumerConn {
		a, b := net.Pipe()
		t.Cleanup(func() { _ = b.Close() })
		c := r.newConsumer(connBase{conn: a})
		c.overflow = policy
		return c
	}

	oldest := newConsumer(OverflowDropOldest)
	for i := byte(1); i <= 3; i++ {
		require.True(t, r.enqueue(oldest, []byte{i}))
	}
	require.Equal(t, []byte{2}, <-oldest.queue)
	require.Equal(t, []byte{3}, <-oldest.queue)
	require.Equal(t, uint64(1), oldest.dropped.Load())

	strict := newConsumer(OverflowDisconnect)
	require.True(t, r.enqueue(strict, []byte{1}))
	require.True(t, r.enqueue(strict, []byte{2}))
	require.False(t, r.enqueue(strict, []byte{3}))
	require.True(t, strict.isClosed())
	require.Equal(t, StateClosed, ConnState(strict.state.Load()))
	require.Equal(t, uint64(2), r.Stats().OverflowDrops)
}

func TestAdminEndpoints(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainExecution, func(c *Config) {
		c.CorsOrigins = []string{"http://localhost:3000/"}
	}, WithAuditor(audit.Nop{}))
	handler := h.relay.AdminHandler()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "execution", stats.Domain)
	assert.Equal(t, h.relay.ID(), stats.RelayID)
}

func TestAdminStatsRequireToken(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, frame.DomainSignal, func(c *Config) {
		c.AdminToken = "s3cret"
	})
	handler := h.relay.AdminHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownDrainsAndRefusesNewWork(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig(frame.DomainMarketData)
	cfg.Endpoint = session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"}
	cfg.DrainTimeout = 100 * time.Millisecond
	r, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()
	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)

	h := &harness{relay: r, addr: ln.Addr().String(), domain: frame.DomainMarketData}
	c := h.dial(t, session.RoleConsumer, "c", frame.SourceMonitor)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not stop")
	}
	require.False(t, r.Ready())
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.reader.ReadByte()
	require.Error(t, err)
}

type brokenListener struct {
	net.Listener
}

func (l brokenListener) Accept() (net.Conn, error) {
	return nil, errors.New("accept: too many open files")
}

func TestRunReturnsWhenAcceptFails(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig(frame.DomainSignal)
	cfg.Endpoint = session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"}
	cfg.AdminAddr = "127.0.0.1:0"
	r, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.serveWithAdmin(context.Background(), brokenListener{ln}) }()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "too many open files")
	case <-time.After(5 * time.Second):
		t.Fatal("relay kept running after its listener failed")
	}
	assert.False(t, r.Ready())
}

func TestServeReturnsWhenListenerIsClosedElsewhere(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig(frame.DomainMarketData)
	cfg.Endpoint = session.Endpoint{Network: session.NetworkTCP, Address: "127.0.0.1:0"}
	r, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), ln) }()
	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
