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

	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const writeBufferSize = 64 << 10

type consumerConn struct {
	connBase
	consumerID   uint32
	overflow     OverflowPolicy
	writeTimeout time.Duration

	queue     chan []byte
	replay    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func (r *Relay) newConsumer(base connBase) *consumerConn {
	return &consumerConn{
		connBase:     base,
		consumerID:   r.nextConsumerID.Add(1),
		overflow:     r.cfg.Overflow,
		writeTimeout: r.cfg.Session.WriteTimeout,
		queue:        make(chan []byte, r.cfg.QueueDepth),
		replay:       make(chan []byte, r.cfg.QueueDepth),
		done:         make(chan struct{}),
	}
}

func (c *consumerConn) info() ConnInfo {
	info := c.baseInfo()
	info.ConsumerID = c.consumerID
	info.Queued = c.queued()
	info.Dropped = c.dropped.Load()
	return info
}

func (c *consumerConn) queued() int { return len(c.queue) + len(c.replay) }

func (c *consumerConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *consumerConn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue hands raw to c without blocking. It reports whether raw was
// queued; a full queue either evicts the oldest frame or closes c.
func (r *Relay) enqueue(c *consumerConn, raw []byte) bool {
	for {
		if c.isClosed() {
			return false
		}
		select {
		case c.queue <- raw:
			return true
		default:
		}
		if c.overflow == OverflowDisconnect {
			r.stats.overflowDrops.Add(1)
			r.metrics.Dropped(observability.DropOverflow)
			r.log.Warn().
				Uint32("consumer_id", c.consumerID).
				Str("client_id", c.reg.ClientID).
				Msg("relay.consumer.slow_disconnect")
			c.close()
			return false
		}
		select {
		case <-c.queue:
			c.dropped.Add(1)
			r.stats.overflowDrops.Add(1)
			r.metrics.Dropped(observability.DropOverflow)
		default:
		}
	}
}

// deliver queues raw on c's targeted path: journal replays and error
// reports. It never evicts; it waits up to the write timeout for room and
// reports whether raw was queued.
func (r *Relay) deliver(c *consumerConn, raw []byte) bool {
	select {
	case c.replay <- raw:
		return true
	default:
	}
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.replay <- raw:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

// pending returns the next queued frame without blocking, targeted frames
// first.
func (c *consumerConn) pending() ([]byte, bool) {
	select {
	case raw := <-c.replay:
		return raw, true
	default:
	}
	select {
	case raw := <-c.queue:
		return raw, true
	default:
		return nil, false
	}
}

// serveConsumer registers c before acknowledging it so no frame accepted
// after the ack is missed; queued frames wait until the ack is written.
func (r *Relay) serveConsumer(ctx context.Context, c *consumerConn, reader *bufio.Reader) {
	r.regMu.Lock()
	r.consumers[c.consumerID] = c
	r.regMu.Unlock()
	r.metrics.Connected(false)

	writerDone := make(chan struct{})
	defer func() {
		r.regMu.Lock()
		delete(r.consumers, c.consumerID)
		r.regMu.Unlock()
		c.close()
		<-writerDone
		r.metrics.Disconnected(false)
		r.log.Info().
			Uint32("consumer_id", c.consumerID).
			Uint64("frames", c.frames.Load()).
			Uint64("dropped", c.dropped.Load()).
			Msg("relay.consumer.closed")
	}()

	if err := r.writeAck(c.conn, r.ack(c.consumerID)); err != nil {
		close(writerDone)
		r.log.Warn().Err(err).Msg("relay.consumer.ack")
		return
	}
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		r.log.Info().
			Uint32("consumer_id", c.consumerID).
			Str("client_id", c.reg.ClientID).
			Str("remote", c.remote).
			Msg("relay.consumer.registered")
	}

	go func() {
		defer close(writerDone)
		r.writeLoop(c)
	}()
	r.readConsumer(ctx, c, reader)
}

// writeLoop flushes after each burst of queued frames.
func (r *Relay) writeLoop(c *consumerConn) {
	w := bufio.NewWriterSize(c.conn, writeBufferSize)
	for {
		var raw []byte
		select {
		case <-c.done:
			return
		case raw = <-c.replay:
		case raw = <-c.queue:
		}
		for ok := true; ok; raw, ok = c.pending() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !r.write(c, w, raw) {
				return
			}
		}
		if err := w.Flush(); err != nil {
			r.writeFailed(c, err)
			return
		}
	}
}

func (r *Relay) write(c *consumerConn, w *bufio.Writer, raw []byte) bool {
	if _, err := w.Write(raw); err != nil {
		r.writeFailed(c, err)
		return false
	}
	c.frames.Add(1)
	return true
}

func (r *Relay) writeFailed(c *consumerConn, err error) {
	if !c.isClosed() && !errors.Is(err, net.ErrClosed) {
		r.log.Warn().Err(err).Uint32("consumer_id", c.consumerID).Msg("relay.consumer.write")
	}
	c.close()
}

// readConsumer handles the frames a consumer sends upstream: recovery
// requests. Anything else is ignored.
func (r *Relay) readConsumer(ctx context.Context, c *consumerConn, reader *bufio.Reader) {
	for {
		f, err := frame.ReadFrame(reader, r.cfg.Limits, r.policy.VerifyChecksum)
		if err != nil {
			var ce *frame.ChecksumError
			if errors.As(err, &ce) {
				r.stats.checksumFailures.Add(1)
				r.stats.dropped.Add(1)
				r.metrics.Dropped(observability.DropChecksum)
				r.log.Warn().
					Uint32("consumer_id", c.consumerID).
					Uint32("stored", ce.Expected).
					Uint32("computed", ce.Actual).
					Msg("relay.consumer.checksum_failure")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.isClosed() {
				r.log.Debug().Err(err).Uint32("consumer_id", c.consumerID).Msg("relay.consumer.read")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		fields, err := tlv.Decode(f.Payload)
		if err != nil {
			r.log.Warn().Err(err).Uint32("consumer_id", c.consumerID).Msg("relay.consumer.malformed")
			continue
		}
		for _, fld := range fields {
			if fld.Type != tlv.TypeRecoveryRequest {
				continue
			}
			var req payload.RecoveryRequest
			if err := req.UnmarshalBinary(fld.Value); err != nil {
				r.sendError(c, ErrCodeBadRecovery, err.Error())
				continue
			}
			r.recover(c, req)
		}
	}
}
