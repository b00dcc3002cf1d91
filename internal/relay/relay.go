package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/audit"
	"github.com/danmuck/tlvrelay/internal/bridge/natsmirror"
	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Option func(*Relay)

// WithJournal replaces the journal built from Config.Journal.
func WithJournal(j journal.Journal) Option {
	return func(r *Relay) { r.journal = j }
}

// WithAuditor replaces the auditor built from Config.Audit.
func WithAuditor(a audit.Auditor) Option {
	return func(r *Relay) { r.auditor = a }
}

// WithMirror replaces the mirror built from Config.Mirror.
func WithMirror(m natsmirror.Mirror) Option {
	return func(r *Relay) { r.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay serves one domain. All counters are fields of the instance.
type Relay struct {
	cfg     Config
	policy  protocol.Policy
	log     zerolog.Logger
	metrics *observability.DomainMetrics
	now     func() time.Time
	started time.Time

	journal journal.Journal
	auditor audit.Auditor
	mirror  natsmirror.Mirror

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	regMu      sync.RWMutex
	consumers  map[uint32]*consumerConn
	publishers map[uint64]*publisherConn

	inbound chan delivery
	wg      sync.WaitGroup

	nextConnID     atomic.Uint64
	nextConsumerID atomic.Uint32
	relaySeq       atomic.Uint64
	buildMu        sync.Mutex
	builder        *protocol.Builder
	ready          atomic.Bool
	closing        atomic.Bool
	closeOnce      sync.Once

	stats counters
}

// New builds a relay. Resources named by cfg (journal, audit file, mirror)
// are opened here unless supplied through options.
func New(cfg Config, opts ...Option) (*Relay, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.RelayID) == "" {
		cfg.RelayID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:        cfg,
		policy:     protocol.PolicyFor(cfg.Domain),
		log:        observability.RelayLogger(cfg.RelayID, cfg.Domain.String()),
		metrics:    observability.ForDomain(cfg.Domain.String()),
		now:        time.Now,
		conns:      make(map[net.Conn]struct{}),
		consumers:  make(map[uint32]*consumerConn),
		publishers: make(map[uint64]*publisherConn),
		inbound:    make(chan delivery, cfg.QueueDepth),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.journal == nil {
		if r.journal, err = journal.Open(cfg.Journal); err != nil {
			return nil, fmt.Errorf("relay %s: %w", cfg.Domain, err)
		}
	}
	if r.auditor == nil {
		if r.policy.Audit {
			if r.auditor, err = audit.NewFile(cfg.Audit); err != nil {
				_ = r.journal.Close()
				return nil, fmt.Errorf("relay %s: %w", cfg.Domain, err)
			}
		} else {
			r.auditor = audit.Nop{}
		}
	}
	if r.mirror == nil {
		if r.mirror, err = natsmirror.Open(cfg.Mirror); err != nil {
			_ = r.journal.Close()
			_ = r.auditor.Close()
			return nil, fmt.Errorf("relay %s: %w", cfg.Domain, err)
		}
	}
	r.started = r.now()
	return r, nil
}

// Close releases the journal, audit log and mirror. Serve does the same when
// it returns; Close is for a relay that is never served.
func (r *Relay) Close() error {
	r.close()
	return nil
}

func (r *Relay) ID() string     { return r.cfg.RelayID }
func (r *Relay) Config() Config { return r.cfg }
func (r *Relay) Ready() bool    { return r.ready.Load() }

// Run listens on the configured endpoint and serves until ctx is done. The
// admin server runs alongside when AdminAddr is set.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := r.listen(ctx)
	if err != nil {
		r.close()
		return err
	}
	r.log.Info().Str("endpoint", r.cfg.Endpoint.String()).Msg("relay.listening")
	return r.serveWithAdmin(ctx, ln)
}

// serveWithAdmin runs Serve on ln next to the admin server when one is
// configured.
func (r *Relay) serveWithAdmin(ctx context.Context, ln net.Listener) error {
	// The admin server lives until Serve returns, whatever the reason.
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(r.cfg.AdminAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: r.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-adminCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			r.log.Info().Str("addr", addr).Msg("relay.admin.listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
				return
			}
			adminErr <- nil
		}()
	} else {
		adminErr <- nil
	}

	serveErr := r.Serve(ctx, ln)
	stopAdmin()
	if err := <-adminErr; err != nil && serveErr == nil {
		serveErr = fmt.Errorf("relay %s admin: %w", r.cfg.Domain, err)
	}
	return serveErr
}

func (r *Relay) listen(ctx context.Context) (net.Listener, error) {
	ep := r.cfg.Endpoint
	if session.NormalizeNetwork(ep.Network) == session.NetworkUnix {
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, fmt.Errorf("relay %s: socket dir: %w", r.cfg.Domain, err)
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("relay %s: stale socket: %w", r.cfg.Domain, err)
		}
	}
	return ep.Listen(ctx)
}

// Serve runs the accept loop on ln until ctx is done, then drains consumer
// queues, closes every tracked connection and releases relay resources.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatchLoop(dispatchCtx)
	}()

	stopped := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		r.ready.Store(false)
		r.closing.Store(true)
		_ = ln.Close()
		r.closePublishers()
		r.drain(r.cfg.DrainTimeout)
		r.closeAllConns()
	}()

	r.ready.Store(true)
	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = err
			}
			break
		}
		r.trackConn(conn)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(dispatchCtx, conn)
		}()
	}
	if acceptErr != nil {
		close(stopped)
		r.ready.Store(false)
		r.log.Error().Err(acceptErr).Msg("relay.accept")
		r.closeAllConns()
	}
	<-shutdownDone
	stopDispatch()
	r.wg.Wait()
	r.close()
	r.log.Info().Msg("relay.stopped")
	return acceptErr
}

func (r *Relay) close() {
	r.closeOnce.Do(func() {
		if err := r.mirror.Close(); err != nil {
			r.log.Warn().Err(err).Msg("relay.mirror.close")
		}
		if err := r.journal.Close(); err != nil {
			r.log.Warn().Err(err).Msg("relay.journal.close")
		}
		if err := r.auditor.Close(); err != nil {
			r.log.Warn().Err(err).Msg("relay.audit.close")
		}
	})
}

func (r *Relay) trackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	r.conns[conn] = struct{}{}
}

func (r *Relay) untrackConn(conn net.Conn) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	delete(r.conns, conn)
}

func (r *Relay) closeAllConns() {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, conn)
	}
}

func (r *Relay) closePublishers() {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	for _, p := range r.publishers {
		p.state.Store(int32(StateClosed))
		_ = p.conn.Close()
	}
}

// drain marks consumers Draining and waits until their queues are empty or
// the timeout passes.
func (r *Relay) drain(timeout time.Duration) {
	r.regMu.RLock()
	consumers := make([]*consumerConn, 0, len(r.consumers))
	for _, c := range r.consumers {
		c.state.Store(int32(StateDraining))
		consumers = append(consumers, c)
	}
	r.regMu.RUnlock()
	if len(consumers) == 0 {
		return
	}

	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for time.Now().Before(deadline) {
		pending := 0
		for _, c := range consumers {
			if !c.isClosed() {
				pending += c.queued()
			}
		}
		if pending == 0 {
			return
		}
		<-tick.C
	}
	r.log.Warn().Dur("timeout", timeout).Msg("relay.drain.timeout")
}

func (r *Relay) timestamp() uint64 {
	return uint64(r.now().UnixNano())
}
