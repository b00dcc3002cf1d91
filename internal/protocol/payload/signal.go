package payload

import (
	"encoding/binary"

	"github.com/danmuck/tlvrelay/internal/protocol/instrument"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const (
	SignalIdentitySize  = 16
	ArbitrageSignalSize = 60
)

// SignalIdentity names the strategy and signal a Signal message belongs to.
type SignalIdentity struct {
	SignalID   uint64
	StrategyID uint16
	Confidence uint8
	Nonce      uint32
}

func (SignalIdentity) Type() tlv.Type { return tlv.TypeSignalIdentity }

func (s SignalIdentity) MarshalBinary() ([]byte, error) {
	b := make([]byte, SignalIdentitySize)
	binary.LittleEndian.PutUint64(b[0:8], s.SignalID)
	binary.LittleEndian.PutUint16(b[8:10], s.StrategyID)
	b[10] = s.Confidence
	binary.LittleEndian.PutUint32(b[12:16], s.Nonce)
	return b, nil
}

func (s *SignalIdentity) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeSignalIdentity, b, SignalIdentitySize); err != nil {
		return err
	}
	*s = SignalIdentity{
		SignalID:   binary.LittleEndian.Uint64(b[0:8]),
		StrategyID: binary.LittleEndian.Uint16(b[8:10]),
		Confidence: b[10],
		Nonce:      binary.LittleEndian.Uint32(b[12:16]),
	}
	return nil
}

// ArbitrageSignal is a cross-venue opportunity.
type ArbitrageSignal struct {
	StrategyID     uint16
	BuyVenue       instrument.Venue
	SellVenue      instrument.Venue
	Instrument     instrument.ID
	BuyPrice       Fixed
	SellPrice      Fixed
	Size           Fixed
	ExpectedProfit Fixed
	ValidUntilNS   uint64
}

func (ArbitrageSignal) Type() tlv.Type { return tlv.TypeArbitrageSignal }

func (a ArbitrageSignal) MarshalBinary() ([]byte, error) {
	b := make([]byte, ArbitrageSignalSize)
	binary.LittleEndian.PutUint16(b[0:2], a.StrategyID)
	binary.LittleEndian.PutUint16(b[4:6], uint16(a.BuyVenue))
	binary.LittleEndian.PutUint16(b[6:8], uint16(a.SellVenue))
	a.Instrument.Put(b[8:20])
	binary.LittleEndian.PutUint64(b[20:28], uint64(a.BuyPrice))
	binary.LittleEndian.PutUint64(b[28:36], uint64(a.SellPrice))
	binary.LittleEndian.PutUint64(b[36:44], uint64(a.Size))
	binary.LittleEndian.PutUint64(b[44:52], uint64(a.ExpectedProfit))
	binary.LittleEndian.PutUint64(b[52:60], a.ValidUntilNS)
	return b, nil
}

func (a *ArbitrageSignal) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeArbitrageSignal, b, ArbitrageSignalSize); err != nil {
		return err
	}
	id, _ := instrument.Read(b[8:20])
	*a = ArbitrageSignal{
		StrategyID:     binary.LittleEndian.Uint16(b[0:2]),
		BuyVenue:       instrument.Venue(binary.LittleEndian.Uint16(b[4:6])),
		SellVenue:      instrument.Venue(binary.LittleEndian.Uint16(b[6:8])),
		Instrument:     id,
		BuyPrice:       Fixed(binary.LittleEndian.Uint64(b[20:28])),
		SellPrice:      Fixed(binary.LittleEndian.Uint64(b[28:36])),
		Size:           Fixed(binary.LittleEndian.Uint64(b[36:44])),
		ExpectedProfit: Fixed(binary.LittleEndian.Uint64(b[44:52])),
		ValidUntilNS:   binary.LittleEndian.Uint64(b[52:60]),
	}
	return nil
}

// GrossSpread is sell minus buy per unit.
func (a ArbitrageSignal) GrossSpread() Fixed {
	return a.SellPrice - a.BuyPrice
}
