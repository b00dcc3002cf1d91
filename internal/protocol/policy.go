package protocol

import "github.com/danmuck/tlvrelay/internal/protocol/frame"

// Policy is the validation contract a relay domain applies to inbound frames.
type Policy struct {
	Domain          frame.Domain
	VerifyChecksum  bool
	ComputeChecksum bool
	ValidateTLV     bool
	Audit           bool
	// TargetRate is the sustained message rate the domain is sized for.
	TargetRate int
}

func PolicyFor(d frame.Domain) Policy {
	switch d {
	case frame.DomainSignal:
		return Policy{
			Domain:          d,
			VerifyChecksum:  true,
			ComputeChecksum: true,
			ValidateTLV:     true,
			TargetRate:      100_000,
		}
	case frame.DomainExecution:
		return Policy{
			Domain:          d,
			VerifyChecksum:  true,
			ComputeChecksum: true,
			ValidateTLV:     true,
			Audit:           true,
			TargetRate:      50_000,
		}
	default:
		return Policy{Domain: frame.DomainMarketData, TargetRate: 1_000_000}
	}
}
