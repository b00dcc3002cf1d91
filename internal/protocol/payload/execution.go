package payload

import (
	"encoding/binary"

	"github.com/danmuck/tlvrelay/internal/protocol/instrument"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const (
	OrderRequestSize = 48
	FillSize         = 64
)

type OrderType uint8

const (
	OrderMarket OrderType = 1
	OrderLimit  OrderType = 2
)

type TimeInForce uint8

const (
	TIFGoodTillCancel    TimeInForce = 1
	TIFImmediateOrCancel TimeInForce = 2
	TIFFillOrKill        TimeInForce = 3
)

// OrderRequest asks the execution engine to place an order.
type OrderRequest struct {
	OrderID     uint64
	Instrument  instrument.ID
	Side        Side
	OrderType   OrderType
	TimeInForce TimeInForce
	Price       Fixed
	Quantity    Fixed
	ClientTNS   uint64
}

func (OrderRequest) Type() tlv.Type { return tlv.TypeOrderRequest }

func (o OrderRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, OrderRequestSize)
	binary.LittleEndian.PutUint64(b[0:8], o.OrderID)
	o.Instrument.Put(b[8:20])
	b[20] = byte(o.Side)
	b[21] = byte(o.OrderType)
	b[22] = byte(o.TimeInForce)
	binary.LittleEndian.PutUint64(b[24:32], uint64(o.Price))
	binary.LittleEndian.PutUint64(b[32:40], uint64(o.Quantity))
	binary.LittleEndian.PutUint64(b[40:48], o.ClientTNS)
	return b, nil
}

func (o *OrderRequest) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeOrderRequest, b, OrderRequestSize); err != nil {
		return err
	}
	id, _ := instrument.Read(b[8:20])
	*o = OrderRequest{
		OrderID:     binary.LittleEndian.Uint64(b[0:8]),
		Instrument:  id,
		Side:        Side(b[20]),
		OrderType:   OrderType(b[21]),
		TimeInForce: TimeInForce(b[22]),
		Price:       Fixed(binary.LittleEndian.Uint64(b[24:32])),
		Quantity:    Fixed(binary.LittleEndian.Uint64(b[32:40])),
		ClientTNS:   binary.LittleEndian.Uint64(b[40:48]),
	}
	return nil
}

type Liquidity uint8

const (
	LiquidityMaker Liquidity = 1
	LiquidityTaker Liquidity = 2
)

// Fill reports a (partial) execution of an order.
type Fill struct {
	OrderID    uint64
	FillID     uint64
	Instrument instrument.ID
	Side       Side
	Liquidity  Liquidity
	Price      Fixed
	Quantity   Fixed
	Fee        Fixed
	FillTNS    uint64
}

func (Fill) Type() tlv.Type { return tlv.TypeFill }

func (f Fill) MarshalBinary() ([]byte, error) {
	b := make([]byte, FillSize)
	binary.LittleEndian.PutUint64(b[0:8], f.OrderID)
	binary.LittleEndian.PutUint64(b[8:16], f.FillID)
	f.Instrument.Put(b[16:28])
	b[28] = byte(f.Side)
	b[29] = byte(f.Liquidity)
	binary.LittleEndian.PutUint64(b[32:40], uint64(f.Price))
	binary.LittleEndian.PutUint64(b[40:48], uint64(f.Quantity))
	binary.LittleEndian.PutUint64(b[48:56], uint64(f.Fee))
	binary.LittleEndian.PutUint64(b[56:64], f.FillTNS)
	return b, nil
}

func (f *Fill) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeFill, b, FillSize); err != nil {
		return err
	}
	id, _ := instrument.Read(b[16:28])
	*f = Fill{
		OrderID:    binary.LittleEndian.Uint64(b[0:8]),
		FillID:     binary.LittleEndian.Uint64(b[8:16]),
		Instrument: id,
		Side:       Side(b[28]),
		Liquidity:  Liquidity(b[29]),
		Price:      Fixed(binary.LittleEndian.Uint64(b[32:40])),
		Quantity:   Fixed(binary.LittleEndian.Uint64(b[40:48])),
		Fee:        Fixed(binary.LittleEndian.Uint64(b[48:56])),
		FillTNS:    binary.LittleEndian.Uint64(b[56:64]),
	}
	return nil
}

// Notional is price times quantity, rounded to Scale decimals.
func (f Fill) Notional() Fixed {
	return FixedFromDecimal(f.Price.Decimal().Mul(f.Quantity.Decimal()))
}
