package relay

import (
	"context"
	"time"

	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/rs/zerolog"
)

// delivery is one accepted frame on its way to consumers. A non-zero target
// restricts it to that consumer.
type delivery struct {
	raw      []byte
	target   uint32
	received time.Time
}

// accept applies the domain policy to a publisher frame that passed the
// checksum gate, then journals and audits it.
func (r *Relay) accept(p *publisherConn, f frame.Frame) (delivery, bool) {
	h := f.Header
	if h.Domain != r.cfg.Domain {
		r.stats.domainMismatches.Add(1)
		r.stats.dropped.Add(1)
		r.metrics.Dropped(observability.DropDomainMismatch)
		r.log.Warn().
			Str("client_id", p.reg.ClientID).
			Str("frame_domain", h.Domain.String()).
			Msg("relay.publisher.domain_mismatch")
		return delivery{}, false
	}

	snapshot := h.Flags&frame.FlagSnapshot != 0
	var fields []tlv.Field
	if r.policy.ValidateTLV || snapshot {
		var err error
		if fields, err = tlv.Decode(f.Payload); err != nil {
			r.invalid(p, h, err)
			return delivery{}, false
		}
	}
	if r.policy.ValidateTLV {
		if err := schema.ValidateDomain(r.cfg.Domain, fields); err != nil {
			r.invalid(p, h, err)
			return delivery{}, false
		}
	}

	d := delivery{raw: f.Raw}
	if snapshot {
		if snap, ok := tlv.Get(fields, tlv.TypeSnapshot); ok {
			d.target, _ = payload.SnapshotTarget(snap.Value)
		}
	}

	// Replays and snapshots answer one consumer and are not part of the
	// source's live sequence.
	if !snapshot && h.Flags&frame.FlagRetransmit == 0 {
		if err := r.journal.Append(h.Source, h.Sequence, f.Raw); err != nil {
			r.log.Warn().Err(err).Uint64("sequence", h.Sequence).Msg("relay.journal.append")
		}
	}
	if r.policy.Audit {
		r.auditor.Message(r.auditEntry(p, h))
	}
	return d, true
}

func (r *Relay) invalid(p *publisherConn, h frame.Header, err error) {
	r.stats.validationFailures.Add(1)
	r.stats.dropped.Add(1)
	r.metrics.Dropped(observability.DropValidation)
	r.log.Warn().
		Err(err).
		Str("client_id", p.reg.ClientID).
		Uint64("sequence", h.Sequence).
		Msg("relay.publisher.invalid_frame")
}

// dispatchLoop is the only goroutine that fans out live frames, so every
// consumer observes the same accept order.
func (r *Relay) dispatchLoop(ctx context.Context) {
	mirrorLog := r.log.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second})
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.inbound:
			r.fanOut(d)
			if d.target == 0 {
				if err := r.mirror.Publish(r.cfg.Domain, d.raw); err != nil {
					r.stats.mirrorErrors.Add(1)
					r.metrics.MirrorError()
					mirrorLog.Warn().Err(err).Msg("relay.mirror.publish")
				}
			}
			r.metrics.Dispatched(time.Since(d.received))
		}
	}
}

func (r *Relay) fanOut(d delivery) {
	r.regMu.RLock()
	defer r.regMu.RUnlock()

	if d.target != 0 {
		c, ok := r.consumers[d.target]
		if !ok {
			r.log.Debug().Uint32("consumer_id", d.target).Msg("relay.snapshot.unknown_consumer")
			return
		}
		if r.enqueue(c, d.raw) {
			r.stats.forwarded.Add(1)
			r.stats.snapshotsRouted.Add(1)
			r.metrics.Forwarded(1)
		}
		return
	}

	n := 0
	for _, c := range r.consumers {
		if r.enqueue(c, d.raw) {
			n++
		}
	}
	r.stats.forwarded.Add(uint64(n))
	r.metrics.Forwarded(n)
}

// buildRelayFrame encodes a relay-originated frame carrying m.
func (r *Relay) buildRelayFrame(m payload.Marshaler) ([]byte, error) {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()
	if r.builder == nil {
		r.builder = protocol.NewBuilder(r.cfg.Domain, frame.RelaySource(r.cfg.Domain)).WithLimits(r.cfg.Limits)
	}
	return r.builder.Reset().AddPayload(m).Build(r.relaySeq.Add(1), r.timestamp())
}
