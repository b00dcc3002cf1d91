package tlv

import (
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
)

// Type is the one-byte TLV type tag.
type Type uint8

// Market data types, routed to the MarketData relay.
const (
	TypeTrade          Type = 1
	TypeQuote          Type = 2
	TypeOrderBook      Type = 3
	TypeInstrumentMeta Type = 4
	TypeL2Snapshot     Type = 5
	TypeL2Delta        Type = 6
	TypeL2Reset        Type = 7
	TypePriceUpdate    Type = 8
	TypeVolumeUpdate   Type = 9
	TypePoolLiquidity  Type = 10
	TypePoolSwap       Type = 11
	TypePoolMint       Type = 12
	TypePoolBurn       Type = 13
	TypePoolTick       Type = 14
	TypePoolState      Type = 15
	TypePoolSync       Type = 16
)

// Signal types, routed to the Signal relay.
const (
	TypeSignalIdentity     Type = 20
	TypeAssetCorrelation   Type = 21
	TypeEconomics          Type = 22
	TypeExecutionAddresses Type = 23
	TypeVenueMetadata      Type = 24
	TypeStateReference     Type = 25
	TypeExecutionControl   Type = 26
	TypePoolAddresses      Type = 27
	TypeMEVBundle          Type = 28
	TypeTertiaryVenue      Type = 29
	TypeRiskParameters     Type = 30
	TypePerformanceMetrics Type = 31
	TypeArbitrageSignal    Type = 32
)

// Execution types, routed to the Execution relay.
const (
	TypeOrderRequest    Type = 40
	TypeOrderStatus     Type = 41
	TypeFill            Type = 42
	TypeOrderCancel     Type = 43
	TypeOrderModify     Type = 44
	TypeExecutionReport Type = 45
	TypePositionUpdate  Type = 46
	TypeBalanceUpdate   Type = 47
)

// System types are accepted by every relay.
const (
	TypeHeartbeat       Type = 100
	TypeSnapshot        Type = 101
	TypeError           Type = 102
	TypeConfigUpdate    Type = 103
	TypeRecoveryRequest Type = 104
	TypeAck             Type = 105
)

const (
	VendorMin Type = 200
	VendorMax Type = 254

	// TypeExtended marks the extended-length form; it never names a payload.
	TypeExtended Type = 255
)

// Range groups TLV types by routing class.
type Range uint8

const (
	RangeInvalid Range = iota
	RangeMarketData
	RangeSignal
	RangeExecution
	RangeSystem
	RangeVendor
	RangeExtended
)

func (r Range) String() string {
	switch r {
	case RangeMarketData:
		return "market_data"
	case RangeSignal:
		return "signal"
	case RangeExecution:
		return "execution"
	case RangeSystem:
		return "system"
	case RangeVendor:
		return "vendor"
	case RangeExtended:
		return "extended"
	default:
		return "invalid"
	}
}

func RangeOf(t Type) Range {
	switch {
	case t >= 1 && t <= 19:
		return RangeMarketData
	case t >= 20 && t <= 39:
		return RangeSignal
	case t >= 40 && t <= 59:
		return RangeExecution
	case t >= 100 && t < VendorMin:
		return RangeSystem
	case t >= VendorMin && t <= VendorMax:
		return RangeVendor
	case t == TypeExtended:
		return RangeExtended
	default:
		return RangeInvalid
	}
}

// DomainOf maps a type to the relay domain that carries it. System types route
// to MarketData. Vendor, extended and unassigned types report ok=false.
func DomainOf(t Type) (frame.Domain, bool) {
	switch RangeOf(t) {
	case RangeMarketData, RangeSystem:
		return frame.DomainMarketData, true
	case RangeSignal:
		return frame.DomainSignal, true
	case RangeExecution:
		return frame.DomainExecution, true
	default:
		return 0, false
	}
}

var typeNames = map[Type]string{
	TypeTrade:              "Trade",
	TypeQuote:              "Quote",
	TypeOrderBook:          "OrderBook",
	TypeInstrumentMeta:     "InstrumentMeta",
	TypeL2Snapshot:         "L2Snapshot",
	TypeL2Delta:            "L2Delta",
	TypeL2Reset:            "L2Reset",
	TypePriceUpdate:        "PriceUpdate",
	TypeVolumeUpdate:       "VolumeUpdate",
	TypePoolLiquidity:      "PoolLiquidity",
	TypePoolSwap:           "PoolSwap",
	TypePoolMint:           "PoolMint",
	TypePoolBurn:           "PoolBurn",
	TypePoolTick:           "PoolTick",
	TypePoolState:          "PoolState",
	TypePoolSync:           "PoolSync",
	TypeSignalIdentity:     "SignalIdentity",
	TypeAssetCorrelation:   "AssetCorrelation",
	TypeEconomics:          "Economics",
	TypeExecutionAddresses: "ExecutionAddresses",
	TypeVenueMetadata:      "VenueMetadata",
	TypeStateReference:     "StateReference",
	TypeExecutionControl:   "ExecutionControl",
	TypePoolAddresses:      "PoolAddresses",
	TypeMEVBundle:          "MEVBundle",
	TypeTertiaryVenue:      "TertiaryVenue",
	TypeRiskParameters:     "RiskParameters",
	TypePerformanceMetrics: "PerformanceMetrics",
	TypeArbitrageSignal:    "ArbitrageSignal",
	TypeOrderRequest:       "OrderRequest",
	TypeOrderStatus:        "OrderStatus",
	TypeFill:               "Fill",
	TypeOrderCancel:        "OrderCancel",
	TypeOrderModify:        "OrderModify",
	TypeExecutionReport:    "ExecutionReport",
	TypePositionUpdate:     "PositionUpdate",
	TypeBalanceUpdate:      "BalanceUpdate",
	TypeHeartbeat:          "Heartbeat",
	TypeSnapshot:           "Snapshot",
	TypeError:              "Error",
	TypeConfigUpdate:       "ConfigUpdate",
	TypeRecoveryRequest:    "RecoveryRequest",
	TypeAck:                "Ack",
}

// Declared returns every named concrete type in ascending order.
func Declared() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := 1; t < 256; t++ {
		if _, ok := typeNames[Type(t)]; ok {
			out = append(out, Type(t))
		}
	}
	return out
}

// Known reports whether t is a named concrete type.
func Known(t Type) bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	if RangeOf(t) == RangeVendor {
		return fmt.Sprintf("Vendor(%d)", uint8(t))
	}
	if t == TypeExtended {
		return "Extended"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}
