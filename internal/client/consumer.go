package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RelayError is an ErrorReport the relay sent, typically about a recovery
// request it could not serve.
type RelayError struct {
	Code    uint16
	Message string
}

// ConsumerStats are cumulative counts for one Consumer.
type ConsumerStats struct {
	Delivered        uint64
	Duplicates       uint64
	Gaps             uint64
	Filled           uint64
	Snapshots        uint64
	RecoveryRequests uint64
	ChecksumFailures uint64
	Invalid          uint64
	RelayErrors      uint64
	Reconnects       uint64
}

// Consumer reads one domain's stream, dropping duplicates and asking the
// relay to fill sequence gaps. Next is not safe for concurrent use.
type Consumer struct {
	cfg     Config
	policy  protocol.Policy
	relay   frame.Source
	log     zerolog.Logger
	now     func() time.Time
	tracker *session.Tracker
	pending *session.PendingRecovery
	backoff *session.Backoff
	// OnRelayError, when set, receives ErrorReports from the relay.
	OnRelayError func(RelayError)

	writeMu    sync.Mutex
	stream     *stream
	builder    *protocol.Builder
	requestSeq uint64
	consumerID atomic.Uint32
	closed     atomic.Bool

	delivered        atomic.Uint64
	snapshots        atomic.Uint64
	requests         atomic.Uint64
	checksumFailures atomic.Uint64
	invalid          atomic.Uint64
	relayErrors      atomic.Uint64
	reconnects       atomic.Uint64
}

// NewConsumer dials the relay and registers as a consumer.
func NewConsumer(ctx context.Context, cfg Config) (*Consumer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l, err := dial(ctx, cfg, session.RoleConsumer)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		cfg:     cfg,
		policy:  protocol.PolicyFor(cfg.Domain),
		relay:   frame.RelaySource(cfg.Domain),
		now:     time.Now,
		tracker: session.NewTracker(session.GapPolicy{MaxRetransmit: cfg.Session.MaxRetransmit}),
		pending: session.NewPendingRecovery(),
		backoff: session.NewBackoff(cfg.Session.Backoff, time.Now().UnixNano()),
		builder: protocol.NewBuilder(cfg.Domain, cfg.Source),
	}
	c.stream = c.startStream(l)
	c.consumerID.Store(l.ack.ConsumerID)
	c.log = log.With().
		Str("client_id", cfg.ClientID).
		Str("domain", cfg.Domain.String()).
		Uint32("consumer_id", l.ack.ConsumerID).
		Logger()
	c.log.Info().Str("relay_id", l.ack.RelayID).Msg("client.consumer.registered")
	return c, nil
}

// ID is the consumer id the relay assigned on the current connection.
func (c *Consumer) ID() uint32 { return c.consumerID.Load() }

func (c *Consumer) Tracker() *session.Tracker { return c.tracker }

// Pending lists recovery requests still awaiting frames.
func (c *Consumer) Pending() []session.PendingRequest { return c.pending.List() }

func (c *Consumer) Stats() ConsumerStats {
	ts := c.tracker.Stats()
	return ConsumerStats{
		Delivered:        c.delivered.Load(),
		Duplicates:       ts.Duplicates,
		Gaps:             ts.Gaps,
		Filled:           ts.Filled,
		Snapshots:        c.snapshots.Load(),
		RecoveryRequests: c.requests.Load(),
		ChecksumFailures: c.checksumFailures.Load(),
		Invalid:          c.invalid.Load(),
		RelayErrors:      c.relayErrors.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}

// Next returns the next message to hand to the application. Duplicates,
// frames failing checksum or schema checks, and relay control frames are
// consumed internally. A gap is reported to the relay and the frame that
// revealed it is still returned. Snapshots addressed to this consumer are
// returned with IsSnapshot set after the tracker has been advanced.
func (c *Consumer) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}
		c.retryExpired()

		st := c.current()
		if st == nil {
			if err := c.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}
		var res readResult
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.wake():
			continue
		case <-st.done:
			if c.closed.Load() {
				return nil, ErrClosed
			}
			continue
		case res = <-st.frames:
		}
		if res.err != nil {
			switch {
			case errors.Is(res.err, frame.ErrChecksumMismatch):
				c.checksumFailures.Add(1)
				c.log.Warn().Err(res.err).Msg("client.consumer.checksum_mismatch")
				continue
			case isInvalid(res.err):
				c.invalid.Add(1)
				c.log.Warn().Err(res.err).Msg("client.consumer.invalid_frame")
				continue
			}
			c.drop(st)
			if c.closed.Load() {
				return nil, ErrClosed
			}
			if !c.cfg.Reconnect {
				return nil, res.err
			}
			if !errors.Is(res.err, io.EOF) {
				c.log.Warn().Err(res.err).Msg("client.consumer.read")
			}
			continue
		}
		if out, ok := c.handle(res.msg); ok {
			c.delivered.Add(1)
			return out, nil
		}
	}
}

type readResult struct {
	msg *protocol.Message
	err error
}

// stream is one registered connection and the goroutine decoding it.
type stream struct {
	*link
	frames chan readResult
	done   chan struct{}
	once   sync.Once
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (c *Consumer) startStream(l *link) *stream {
	st := &stream{link: l, frames: make(chan readResult, 64), done: make(chan struct{})}
	go c.readLoop(st)
	return st
}

// readLoop decodes frames until a framing error ends the stream. Checksum
// and schema failures leave the stream aligned and are passed on.
func (c *Consumer) readLoop(st *stream) {
	for {
		msg, err := protocol.Decode(st.reader, c.policy, c.cfg.Limits)
		select {
		case st.frames <- readResult{msg: msg, err: err}:
		case <-st.done:
			return
		}
		if err != nil && !errors.Is(err, frame.ErrChecksumMismatch) && !isInvalid(err) {
			return
		}
	}
}

// wake fires when outstanding recovery requests should be checked again.
func (c *Consumer) wake() <-chan time.Time {
	if c.pending.Len() == 0 {
		return nil
	}
	return time.After(c.cfg.Session.RecoveryTimeout / 2)
}

func isInvalid(err error) bool {
	var ve schema.ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, protocol.ErrDomainMismatch) ||
		errors.Is(err, tlv.ErrShortFieldHeader) ||
		errors.Is(err, tlv.ErrShortFieldValue) ||
		errors.Is(err, tlv.ErrInvalidType)
}

func (c *Consumer) handle(msg *protocol.Message) (*protocol.Message, bool) {
	if msg.Header.Source == c.relay {
		c.handleRelayFrame(msg)
		return nil, false
	}
	if msg.Header.Flags&frame.FlagSnapshot != 0 && msg.Has(tlv.TypeSnapshot) {
		var snap payload.Snapshot
		if err := msg.Unmarshal(tlv.TypeSnapshot, &snap); err != nil {
			c.invalid.Add(1)
			return nil, false
		}
		if snap.ConsumerID != 0 && snap.ConsumerID != c.ID() {
			return nil, false
		}
		c.tracker.ApplySnapshot(snap.Source, snap.LastSequence)
		c.pending.Remove(snap.Source)
		c.snapshots.Add(1)
		c.log.Info().
			Str("source", snap.Source.String()).
			Uint64("last_sequence", snap.LastSequence).
			Msg("client.consumer.snapshot_applied")
		return msg, true
	}

	src, seq := msg.Header.Source, msg.Header.Sequence
	obs := c.tracker.Observe(src, seq)
	switch obs.Outcome {
	case session.Duplicate:
		return nil, false
	case session.Filled:
		c.settle(src, seq)
	case session.GapDetected:
		c.log.Debug().
			Str("source", src.String()).
			Uint64("start", obs.Gap.Start).
			Uint64("end", obs.Gap.End).
			Msg("client.consumer.gap")
		c.requestRecovery(obs.Gap)
	}
	return msg, true
}

// settle clears the request for src once its range is complete. When the
// last frame of the range arrives with holes left, the holes are requested
// again without waiting for the timeout.
func (c *Consumer) settle(src frame.Source, seq uint64) {
	prev, ok := c.pending.Get(src)
	if !ok {
		return
	}
	item, open := c.pending.Resolve(src, c.tracker)
	if !open || seq != prev.Request.End || item.Request.RequestType != payload.RecoveryRetransmit {
		return
	}
	if item.Attempts >= c.cfg.Session.MaxRecoveryAttempts {
		return
	}
	c.log.Debug().
		Str("source", src.String()).
		Uint64("start", item.Request.Start).
		Uint64("end", item.Request.End).
		Msg("client.consumer.recovery_incomplete")
	c.sendRecovery(item.Request, c.now())
}

func (c *Consumer) handleRelayFrame(msg *protocol.Message) {
	if !msg.Has(tlv.TypeError) {
		return
	}
	var report payload.ErrorReport
	if err := msg.Unmarshal(tlv.TypeError, &report); err != nil {
		return
	}
	c.relayErrors.Add(1)
	c.log.Warn().Uint16("code", report.Code).Str("message", report.Message).Msg("client.consumer.relay_error")
	if c.OnRelayError != nil {
		c.OnRelayError(RelayError{Code: report.Code, Message: report.Message})
	}
}

func (c *Consumer) requestRecovery(gap session.Gap) {
	req := payload.RecoveryRequest{
		ConsumerID:  c.ID(),
		Source:      gap.Source,
		RequestType: c.tracker.Policy().RequestType(gap),
		Start:       gap.Start,
		End:         gap.End,
	}
	now := c.now()
	item := c.pending.Upsert(req, now, c.cfg.Session.RecoveryTimeout)
	c.sendRecovery(item.Request, now)
}

// retryExpired resends requests past their deadline, escalating to a
// snapshot once retransmit attempts are exhausted.
func (c *Consumer) retryExpired() {
	now := c.now()
	for _, item := range c.pending.Expired(now) {
		req := item.Request
		if item.Attempts >= c.cfg.Session.MaxRecoveryAttempts {
			if req.RequestType == payload.RecoverySnapshot {
				c.pending.Remove(req.Source)
				c.log.Warn().
					Str("source", req.Source.String()).
					Int("attempts", item.Attempts).
					Msg("client.consumer.recovery_abandoned")
				continue
			}
			req.RequestType = payload.RecoverySnapshot
			c.pending.Remove(req.Source)
			c.pending.Upsert(req, now, c.cfg.Session.RecoveryTimeout)
		}
		c.sendRecovery(req, now)
	}
}

func (c *Consumer) sendRecovery(req payload.RecoveryRequest, now time.Time) {
	err := c.writeRecovery(req)
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
		c.log.Warn().Err(err).Str("source", req.Source.String()).Msg("client.consumer.recovery_send")
	} else {
		c.requests.Add(1)
	}
	c.pending.MarkAttempt(req.Source, now, c.cfg.Session.RecoveryTimeout, lastErr)
}

func (c *Consumer) writeRecovery(req payload.RecoveryRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stream == nil {
		return ErrNotReconnected
	}
	c.requestSeq++
	raw, err := c.builder.Reset().AddPayload(req).Build(c.requestSeq, uint64(c.now().UnixNano()))
	if err != nil {
		return err
	}
	_ = c.stream.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	_, err = c.stream.conn.Write(raw)
	return err
}

func (c *Consumer) current() *stream {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream
}

func (c *Consumer) drop(st *stream) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	st.close()
	if c.stream == st {
		c.stream = nil
	}
}

// reconnect redials and re-issues outstanding recovery requests under the
// new consumer id.
func (c *Consumer) reconnect(ctx context.Context) error {
	if !c.cfg.Reconnect {
		return ErrNotReconnected
	}
	l, err := redial(ctx, c.cfg, session.RoleConsumer, c.backoff, nil)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	if c.closed.Load() {
		c.writeMu.Unlock()
		_ = l.conn.Close()
		return ErrClosed
	}
	c.stream = c.startStream(l)
	c.consumerID.Store(l.ack.ConsumerID)
	c.writeMu.Unlock()
	c.reconnects.Add(1)
	c.log.Info().Uint32("consumer_id", l.ack.ConsumerID).Msg("client.consumer.reconnected")

	now := c.now()
	for _, item := range c.pending.List() {
		req := item.Request
		req.ConsumerID = l.ack.ConsumerID
		c.sendRecovery(req, now)
	}
	return nil
}

// Close ends the connection; a blocked Next returns ErrClosed.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stream != nil {
		c.stream.close()
		c.stream = nil
	}
	return nil
}
