package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func TestValidateFixedSizes(t *testing.T) {
	testlog.Start(t)
	if err := Validate(tlv.TypeTrade, make([]byte, payload.TradeSize)); err != nil {
		t.Fatalf("validate trade: %v", err)
	}
	err := Validate(tlv.TypeTrade, make([]byte, payload.TradeSize-1))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Type != tlv.TypeTrade {
		t.Fatalf("expected trade validation error, got %v", err)
	}
	if err := Validate(tlv.TypeSnapshot, make([]byte, payload.SnapshotHeaderSize-1)); err == nil {
		t.Fatalf("expected short snapshot to fail")
	}
	if err := Validate(tlv.TypeSnapshot, make([]byte, 4000)); err != nil {
		t.Fatalf("validate snapshot: %v", err)
	}
}

func TestValidatePassesVendorAndUnsizedTypes(t *testing.T) {
	testlog.Start(t)
	if err := Validate(210, []byte{1, 2, 3}); err != nil {
		t.Fatalf("vendor type should pass: %v", err)
	}
	if err := Validate(tlv.TypeOrderBook, []byte{1}); err != nil {
		t.Fatalf("unsized declared type should pass: %v", err)
	}
}

func TestValidateRejectsUnassignedTypes(t *testing.T) {
	testlog.Start(t)
	for _, typ := range []tlv.Type{0, 17, 60, 99, 255} {
		if err := Validate(typ, nil); err == nil {
			t.Fatalf("type %d should fail", typ)
		}
	}
}

func TestUndeclaredSystemTypesPassEveryDomain(t *testing.T) {
	testlog.Start(t)
	for _, typ := range []tlv.Type{120, 150, 199} {
		fields := []tlv.Field{{Type: typ, Value: []byte{1, 2, 3}}}
		for _, d := range frame.Domains() {
			if err := ValidateDomain(d, fields); err != nil {
				t.Fatalf("type %d on %s: %v", typ, d, err)
			}
		}
	}
}

func TestValidateDomain(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		{Type: tlv.TypeSignalIdentity, Value: make([]byte, payload.SignalIdentitySize)},
		{Type: tlv.TypeArbitrageSignal, Value: make([]byte, payload.ArbitrageSignalSize)},
		{Type: tlv.TypeHeartbeat, Value: make([]byte, payload.HeartbeatSize)},
		{Type: 230, Value: []byte("vendor")},
	}
	if err := ValidateDomain(frame.DomainSignal, fields); err != nil {
		t.Fatalf("validate signal: %v", err)
	}
	err := ValidateDomain(frame.DomainExecution, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Type != tlv.TypeSignalIdentity || ve.Domain != frame.DomainExecution {
		t.Fatalf("expected cross-domain error, got %v", err)
	}
	bad := []tlv.Field{{Type: tlv.TypeFill, Value: []byte{1}}}
	if err := ValidateDomain(frame.DomainExecution, bad); !errors.As(err, &ve) || ve.Domain != frame.DomainExecution {
		t.Fatalf("expected size error with domain, got %v", err)
	}
}
