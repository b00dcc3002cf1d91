package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tlvrelay/internal/audit"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/session"
)

const readBufferSize = 64 << 10

type connBase struct {
	id     uint64
	conn   net.Conn
	reg    session.Registration
	remote string
	since  time.Time
	state  atomic.Int32
	frames atomic.Uint64
}

func (c *connBase) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *connBase) baseInfo() ConnInfo {
	return ConnInfo{
		ID:       c.id,
		Role:     c.reg.Role,
		ClientID: c.reg.ClientID,
		Source:   c.reg.Source,
		Remote:   c.remote,
		State:    ConnState(c.state.Load()),
		Since:    c.since,
		Frames:   c.frames.Load(),
	}
}

type publisherConn struct {
	connBase
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (p *publisherConn) info() ConnInfo { return p.baseInfo() }

// write sends a relay-originated frame (a forwarded recovery request).
func (p *publisherConn) write(raw []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	_, err := p.conn.Write(raw)
	return err
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	if addr := conn.LocalAddr(); addr != nil {
		return "local:" + addr.String()
	}
	return "unknown"
}

// handleConn runs the registration handshake and then the role loop.
func (r *Relay) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer r.untrackConn(conn)

	base := connBase{
		id:     r.nextConnID.Add(1),
		conn:   conn,
		remote: remoteAddr(conn),
		since:  r.now(),
	}
	base.setState(StateConnecting)
	reader := bufio.NewReaderSize(conn, readBufferSize)

	_ = conn.SetDeadline(time.Now().Add(r.cfg.Session.HandshakeTimeout))
	reg, err := session.ReadRegistration(reader)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRegistration) {
			r.reject(conn, session.AckCodeBadRequest, err.Error())
		}
		r.log.Warn().Err(err).Str("remote", base.remote).Msg("relay.handshake.failed")
		return
	}
	base.reg = reg

	switch {
	case reg.Domain != r.cfg.Domain:
		r.reject(conn, session.AckCodeDomainMismatch, "relay serves "+r.cfg.Domain.String())
		r.log.Warn().
			Str("client_id", reg.ClientID).
			Str("requested", reg.Domain.String()).
			Msg("relay.handshake.domain_mismatch")
		return
	case r.closing.Load():
		r.reject(conn, session.AckCodeShuttingDown, "relay shutting down")
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		r.log.Warn().Err(err).Msg("relay.conn.clear_deadline")
	}

	if reg.Role == session.RolePublisher {
		r.servePublisher(ctx, &publisherConn{connBase: base, writeTimeout: r.cfg.Session.WriteTimeout}, reader)
		return
	}
	r.serveConsumer(ctx, r.newConsumer(base), reader)
}

func (r *Relay) ack(consumerID uint32) session.RegistrationAck {
	return session.RegistrationAck{
		Status:      session.AckStatusAccepted,
		Code:        session.AckCodeOK,
		RelayID:     r.cfg.RelayID,
		Domain:      r.cfg.Domain,
		ConsumerID:  consumerID,
		TimestampMS: uint64(r.now().UnixMilli()),
	}
}

func (r *Relay) reject(conn net.Conn, code uint32, msg string) {
	ack := r.ack(0)
	ack.Status = session.AckStatusRejected
	ack.Code = code
	ack.Message = msg
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.Session.WriteTimeout))
	_ = session.WriteRegistrationAck(conn, ack)
}

func (r *Relay) writeAck(conn net.Conn, ack session.RegistrationAck) error {
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.Session.WriteTimeout))
	err := session.WriteRegistrationAck(conn, ack)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

func (r *Relay) servePublisher(ctx context.Context, p *publisherConn, reader *bufio.Reader) {
	r.regMu.Lock()
	r.publishers[p.id] = p
	r.regMu.Unlock()
	r.metrics.Connected(true)

	defer func() {
		p.setState(StateClosed)
		r.regMu.Lock()
		delete(r.publishers, p.id)
		r.regMu.Unlock()
		r.metrics.Disconnected(true)
		r.log.Info().Str("client_id", p.reg.ClientID).Uint64("frames", p.frames.Load()).Msg("relay.publisher.closed")
	}()

	p.writeMu.Lock()
	err := r.writeAck(p.conn, r.ack(0))
	p.writeMu.Unlock()
	if err != nil {
		r.log.Warn().Err(err).Msg("relay.publisher.ack")
		return
	}
	p.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	r.log.Info().
		Str("client_id", p.reg.ClientID).
		Str("source", p.reg.Source.String()).
		Str("remote", p.remote).
		Msg("relay.publisher.registered")

	for {
		f, err := frame.ReadFrame(reader, r.cfg.Limits, r.policy.VerifyChecksum)
		if err != nil {
			var ce *frame.ChecksumError
			if errors.As(err, &ce) {
				r.checksumFailure(p, f, ce)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.stats.dropped.Add(1)
				r.metrics.Dropped(observability.DropMalformed)
				r.log.Warn().Err(err).Str("client_id", p.reg.ClientID).Msg("relay.publisher.read")
			}
			return
		}
		received := time.Now()
		p.frames.Add(1)
		r.stats.received.Add(1)
		r.metrics.Received()

		d, ok := r.accept(p, f)
		if !ok {
			continue
		}
		d.received = received
		select {
		case r.inbound <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) checksumFailure(p *publisherConn, f frame.Frame, ce *frame.ChecksumError) {
	r.stats.checksumFailures.Add(1)
	r.stats.dropped.Add(1)
	r.metrics.Dropped(observability.DropChecksum)
	entry := r.auditEntry(p, f.Header)
	entry.Checksum = ce.Expected
	entry.Computed = ce.Actual
	r.auditor.ChecksumFailure(entry)
	r.log.Warn().
		Str("client_id", p.reg.ClientID).
		Uint64("sequence", f.Header.Sequence).
		Uint32("stored", ce.Expected).
		Uint32("computed", ce.Actual).
		Msg("relay.checksum_mismatch")
}

func (r *Relay) auditEntry(c *publisherConn, h frame.Header) audit.Entry {
	return audit.Entry{
		RelayID:     r.cfg.RelayID,
		Domain:      h.Domain,
		Source:      h.Source,
		Sequence:    h.Sequence,
		Timestamp:   h.Timestamp,
		PayloadSize: h.PayloadSize,
		Checksum:    h.Checksum,
		Flags:       h.Flags,
		Remote:      c.remote,
		ClientID:    c.reg.ClientID,
	}
}
