package relay

import (
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
)

// Error codes carried in ErrorReport frames the relay sends to consumers.
const (
	ErrCodeBadRecovery         uint16 = 1
	ErrCodeRecoveryUnavailable uint16 = 2
	ErrCodeRecoveryForwardFail uint16 = 3
)

// recover serves a consumer's RecoveryRequest. Retransmit ranges the journal
// holds in full are replayed to c alone, paced by its writer rather than
// subject to the overflow policy; everything else goes to the publishers
// registered for the source.
func (r *Relay) recover(c *consumerConn, req payload.RecoveryRequest) {
	req.ConsumerID = c.consumerID
	if err := req.Validate(); err != nil {
		r.sendError(c, ErrCodeBadRecovery, err.Error())
		return
	}
	r.stats.recoveries.Add(1)

	if req.RequestType == payload.RecoveryRetransmit {
		if frames, ok := r.journal.Range(req.Source, req.Start, req.End); ok {
			for i, raw := range frames {
				if !r.deliver(c, frame.WithFlags(raw, frame.FlagRetransmit, r.policy.ComputeChecksum)) {
					r.stats.recoveriesStalled.Add(1)
					r.metrics.Recovery("stalled")
					r.log.Warn().
						Uint32("consumer_id", c.consumerID).
						Str("source", req.Source.String()).
						Uint64("start", req.Start).
						Uint64("end", req.End).
						Int("delivered", i).
						Msg("relay.recovery.stalled")
					return
				}
			}
			r.stats.recoveriesReplayed.Add(1)
			r.metrics.Recovery("journal")
			r.log.Debug().
				Uint32("consumer_id", c.consumerID).
				Str("source", req.Source.String()).
				Uint64("start", req.Start).
				Uint64("end", req.End).
				Msg("relay.recovery.replayed")
			return
		}
	}
	r.forwardRecovery(c, req)
}

func (r *Relay) forwardRecovery(c *consumerConn, req payload.RecoveryRequest) {
	raw, err := r.buildRelayFrame(req)
	if err != nil {
		r.log.Error().Err(err).Msg("relay.recovery.encode")
		r.sendError(c, ErrCodeRecoveryForwardFail, err.Error())
		return
	}

	r.regMu.RLock()
	targets := make([]*publisherConn, 0, 1)
	for _, p := range r.publishers {
		if p.reg.Source == req.Source {
			targets = append(targets, p)
		}
	}
	r.regMu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.write(raw); err != nil {
			r.log.Warn().Err(err).Str("client_id", p.reg.ClientID).Msg("relay.recovery.forward")
			continue
		}
		sent++
	}
	if sent == 0 {
		r.metrics.Recovery("unavailable")
		r.sendError(c, ErrCodeRecoveryUnavailable, "no publisher for source "+req.Source.String())
		return
	}
	r.stats.recoveriesForward.Add(1)
	r.metrics.Recovery("publisher")
	r.log.Debug().
		Uint32("consumer_id", c.consumerID).
		Str("source", req.Source.String()).
		Str("type", req.RequestType.String()).
		Int("publishers", sent).
		Msg("relay.recovery.forwarded")
}

func (r *Relay) sendError(c *consumerConn, code uint16, msg string) {
	raw, err := r.buildRelayFrame(payload.ErrorReport{Code: code, Message: msg})
	if err != nil {
		r.log.Error().Err(err).Msg("relay.error_report.encode")
		return
	}
	r.deliver(c, raw)
}
