package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/journal"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultReplayWindow = 4096

var ErrBuilderMismatch = errors.New("client: builder domain or source does not match publisher")

// SnapshotProvider returns the publisher's current state for a consumer that
// fell too far behind. It is called with no publish in flight, so the state
// matches the publisher's current sequence.
type SnapshotProvider func(req payload.RecoveryRequest) ([]byte, error)

type PublisherConfig struct {
	Config
	// ReplayWindow is how many recent frames are kept to answer retransmits.
	ReplayWindow int
	Snapshot     SnapshotProvider
}

// PublisherStats are cumulative counts for one Publisher.
type PublisherStats struct {
	Published  uint64
	Replayed   uint64
	Snapshots  uint64
	Reconnects uint64
}

// Publisher writes frames for one source. Sequence numbers start at 1 and
// are assigned under the same lock as the write, so the wire order matches
// sequence order.
type Publisher struct {
	cfg    PublisherConfig
	policy protocol.Policy
	log    zerolog.Logger
	now    func() time.Time
	window *journal.Memory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	link    *link
	builder *protocol.Builder
	backoff *session.Backoff
	closed  bool
	seq     atomic.Uint64

	published  atomic.Uint64
	replayed   atomic.Uint64
	snapshots  atomic.Uint64
	reconnects atomic.Uint64
}

// NewPublisher dials the relay and registers as a publisher.
func NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	cfg.Config = cfg.Config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	l, err := dial(ctx, cfg.Config, session.RolePublisher)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:    cfg,
		policy: protocol.PolicyFor(cfg.Domain),
		log: log.With().
			Str("client_id", cfg.ClientID).
			Str("domain", cfg.Domain.String()).
			Str("source", cfg.Source.String()).
			Logger(),
		now:     time.Now,
		window:  journal.NewMemory(cfg.ReplayWindow),
		ctx:     pctx,
		cancel:  cancel,
		builder: protocol.NewBuilder(cfg.Domain, cfg.Source).WithLimits(cfg.Limits),
		backoff: session.NewBackoff(cfg.Session.Backoff, time.Now().UnixNano()),
	}
	p.attach(l)
	p.log.Info().Str("relay_id", l.ack.RelayID).Msg("client.publisher.registered")
	return p, nil
}

// Seq is the last sequence number published.
func (p *Publisher) Seq() uint64 { return p.seq.Load() }

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published:  p.published.Load(),
		Replayed:   p.replayed.Load(),
		Snapshots:  p.snapshots.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// NewBuilder returns a builder bound to this publisher's domain and source.
func (p *Publisher) NewBuilder() *protocol.Builder {
	return protocol.NewBuilder(p.cfg.Domain, p.cfg.Source).WithLimits(p.cfg.Limits)
}

// Publish stamps b with the next sequence and writes it. b is left intact
// for the caller to Reset and reuse.
func (p *Publisher) Publish(ctx context.Context, b *protocol.Builder) (uint64, error) {
	if b.Domain() != p.cfg.Domain || b.Source() != p.cfg.Source {
		return 0, fmt.Errorf("%w: %s/%s", ErrBuilderMismatch, b.Domain(), b.Source())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishLocked(ctx, b)
}

// PublishFields publishes one frame holding fields in order.
func (p *Publisher) PublishFields(ctx context.Context, fields ...tlv.Field) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builder.Reset()
	for _, f := range fields {
		p.builder.AddField(f)
	}
	return p.publishLocked(ctx, p.builder)
}

// PublishPayloads publishes one frame holding the encoded payloads in order.
func (p *Publisher) PublishPayloads(ctx context.Context, ms ...payload.Marshaler) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builder.Reset()
	for _, m := range ms {
		p.builder.AddPayload(m)
	}
	return p.publishLocked(ctx, p.builder)
}

func (p *Publisher) publishLocked(ctx context.Context, b *protocol.Builder) (uint64, error) {
	if p.closed {
		return 0, ErrClosed
	}
	seq := p.seq.Load() + 1
	raw, err := b.Build(seq, uint64(p.now().UnixNano()))
	if err != nil {
		return 0, err
	}
	if err := p.writeLocked(ctx, raw); err != nil {
		return 0, err
	}
	p.seq.Store(seq)
	p.published.Add(1)
	_ = p.window.Append(p.cfg.Source, seq, raw)
	return seq, nil
}

// writeLocked writes raw, redialing and retrying when Reconnect is set.
func (p *Publisher) writeLocked(ctx context.Context, raw []byte) error {
	for {
		if p.link == nil {
			if err := p.reconnectLocked(ctx); err != nil {
				return err
			}
		}
		l := p.link
		_ = l.conn.SetWriteDeadline(time.Now().Add(p.cfg.Session.WriteTimeout))
		_, err := l.conn.Write(raw)
		if err == nil {
			return nil
		}
		p.log.Warn().Err(err).Msg("client.publisher.write")
		p.detachLocked(l)
		if !p.cfg.Reconnect {
			return err
		}
	}
}

func (p *Publisher) reconnectLocked(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	if !p.cfg.Reconnect {
		return ErrNotReconnected
	}
	l, err := redial(ctx, p.cfg.Config, session.RolePublisher, p.backoff, p.ctx.Done())
	if err != nil {
		return err
	}
	p.reconnects.Add(1)
	p.attach(l)
	p.log.Info().Str("relay_id", l.ack.RelayID).Uint64("seq", p.seq.Load()).Msg("client.publisher.reconnected")
	return nil
}

// attach installs l and starts its reader. Callers hold mu or own p
// exclusively.
func (p *Publisher) attach(l *link) {
	p.link = l
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(l)
	}()
}

func (p *Publisher) detachLocked(l *link) {
	_ = l.conn.Close()
	if p.link == l {
		p.link = nil
	}
}

// readLoop answers recovery requests the relay forwards on l.
func (p *Publisher) readLoop(l *link) {
	for {
		f, err := frame.ReadFrame(l.reader, p.cfg.Limits, p.policy.VerifyChecksum)
		if err != nil {
			if errors.Is(err, frame.ErrChecksumMismatch) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.log.Debug().Err(err).Msg("client.publisher.read")
			}
			break
		}
		fields, err := tlv.Decode(f.Payload)
		if err != nil {
			continue
		}
		for _, fld := range fields {
			if fld.Type != tlv.TypeRecoveryRequest {
				continue
			}
			var req payload.RecoveryRequest
			if err := req.UnmarshalBinary(fld.Value); err != nil {
				p.log.Warn().Err(err).Msg("client.publisher.bad_recovery")
				continue
			}
			p.answer(req)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != l {
		return
	}
	p.detachLocked(l)
	if p.cfg.Reconnect && !p.closed {
		if err := p.reconnectLocked(p.ctx); err != nil && !errors.Is(err, ErrClosed) && p.ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("client.publisher.reconnect")
		}
	}
}

// answer replays a retransmit range from the window, or sends a snapshot
// when the window no longer covers it.
func (p *Publisher) answer(req payload.RecoveryRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || req.Source != p.cfg.Source {
		return
	}
	if req.RequestType == payload.RecoveryRetransmit {
		if frames, ok := p.window.Range(req.Source, req.Start, req.End); ok {
			for _, raw := range frames {
				if err := p.writeLocked(p.ctx, frame.WithFlags(raw, frame.FlagRetransmit, p.policy.ComputeChecksum)); err != nil {
					return
				}
			}
			p.replayed.Add(uint64(len(frames)))
			p.log.Debug().
				Uint32("consumer_id", req.ConsumerID).
				Uint64("start", req.Start).
				Uint64("end", req.End).
				Msg("client.publisher.replayed")
			return
		}
	}
	if p.cfg.Snapshot == nil {
		p.log.Warn().
			Uint32("consumer_id", req.ConsumerID).
			Str("type", req.RequestType.String()).
			Msg("client.publisher.recovery_unanswered")
		return
	}
	state, err := p.cfg.Snapshot(req)
	if err != nil {
		p.log.Warn().Err(err).Msg("client.publisher.snapshot")
		return
	}
	last := p.seq.Load()
	b := p.builder.Reset().SetFlags(frame.FlagSnapshot).AddPayload(payload.Snapshot{
		ConsumerID:   req.ConsumerID,
		Source:       p.cfg.Source,
		LastSequence: last,
		State:        state,
	})
	raw, err := b.Build(last, uint64(p.now().UnixNano()))
	if err != nil {
		p.log.Warn().Err(err).Msg("client.publisher.snapshot_encode")
		return
	}
	if err := p.writeLocked(p.ctx, raw); err != nil {
		return
	}
	p.snapshots.Add(1)
	p.log.Debug().Uint32("consumer_id", req.ConsumerID).Uint64("last_sequence", last).Msg("client.publisher.snapshot_sent")
}

// Close stops reconnects, closes the connection and waits for the reader.
func (p *Publisher) Close() error {
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.link != nil {
		p.detachLocked(p.link)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return p.window.Close()
}
