package schema

import (
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

// Requirement describes the payload length a type must carry. Min applies to
// variable-length types when Exact is zero.
type Requirement struct {
	Exact int
	Min   int
}

type ValidationError struct {
	Type   tlv.Type
	Domain frame.Domain
	Reason string
}

func (e ValidationError) Error() string {
	if e.Domain != 0 {
		return fmt.Sprintf("schema: type=%s domain=%s: %s", e.Type, e.Domain, e.Reason)
	}
	return fmt.Sprintf("schema: type=%s: %s", e.Type, e.Reason)
}

var requirements = map[tlv.Type]Requirement{
	tlv.TypeTrade:           {Exact: payload.TradeSize},
	tlv.TypeQuote:           {Exact: payload.QuoteSize},
	tlv.TypeSignalIdentity:  {Exact: payload.SignalIdentitySize},
	tlv.TypeArbitrageSignal: {Exact: payload.ArbitrageSignalSize},
	tlv.TypeOrderRequest:    {Exact: payload.OrderRequestSize},
	tlv.TypeFill:            {Exact: payload.FillSize},
	tlv.TypeHeartbeat:       {Exact: payload.HeartbeatSize},
	tlv.TypeRecoveryRequest: {Exact: payload.RecoveryRequestSize},
	tlv.TypeSnapshot:        {Min: payload.SnapshotHeaderSize},
	tlv.TypeError:           {Min: 2},
}

// RequirementFor returns the declared size rule for t.
func RequirementFor(t tlv.Type) (Requirement, bool) {
	r, ok := requirements[t]
	return r, ok
}

// Validate checks one field. Vendor types, undeclared system types and
// declared types without a size rule pass; unassigned types fail.
func Validate(t tlv.Type, value []byte) error {
	switch tlv.RangeOf(t) {
	case tlv.RangeVendor:
		return nil
	case tlv.RangeSystem:
		if !tlv.Known(t) {
			return nil
		}
	case tlv.RangeInvalid, tlv.RangeExtended:
		return ValidationError{Type: t, Reason: "unassigned type"}
	}
	if !tlv.Known(t) {
		return ValidationError{Type: t, Reason: "unknown type"}
	}
	req, ok := requirements[t]
	if !ok {
		return nil
	}
	if req.Exact > 0 && len(value) != req.Exact {
		return ValidationError{Type: t, Reason: fmt.Sprintf("payload size %d want %d", len(value), req.Exact)}
	}
	if len(value) < req.Min {
		return ValidationError{Type: t, Reason: fmt.Sprintf("payload size %d want >= %d", len(value), req.Min)}
	}
	return nil
}

// ValidateDomain checks that every field may travel on domain d and carries a
// well-formed payload. System and vendor types pass on every domain.
func ValidateDomain(d frame.Domain, fields []tlv.Field) error {
	for _, f := range fields {
		if err := Validate(f.Type, f.Value); err != nil {
			if ve, ok := err.(ValidationError); ok {
				ve.Domain = d
				return ve
			}
			return err
		}
		switch tlv.RangeOf(f.Type) {
		case tlv.RangeSystem, tlv.RangeVendor:
			continue
		}
		owner, _ := tlv.DomainOf(f.Type)
		if owner != d {
			return ValidationError{Type: f.Type, Domain: d, Reason: fmt.Sprintf("belongs to %s", owner)}
		}
	}
	return nil
}
