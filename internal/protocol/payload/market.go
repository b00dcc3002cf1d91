package payload

import (
	"encoding/binary"

	"github.com/danmuck/tlvrelay/internal/protocol/instrument"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const (
	TradeSize = 40
	QuoteSize = 52
)

type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Trade is a single print from a venue.
type Trade struct {
	Instrument  instrument.ID
	Price       Fixed
	Volume      Fixed
	Side        Side
	ExchangeTNS uint64
}

func (Trade) Type() tlv.Type { return tlv.TypeTrade }

func (t Trade) MarshalBinary() ([]byte, error) {
	b := make([]byte, TradeSize)
	t.Instrument.Put(b[0:12])
	binary.LittleEndian.PutUint64(b[12:20], uint64(t.Price))
	binary.LittleEndian.PutUint64(b[20:28], uint64(t.Volume))
	b[28] = byte(t.Side)
	binary.LittleEndian.PutUint64(b[32:40], t.ExchangeTNS)
	return b, nil
}

func (t *Trade) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeTrade, b, TradeSize); err != nil {
		return err
	}
	id, _ := instrument.Read(b[0:12])
	*t = Trade{
		Instrument:  id,
		Price:       Fixed(binary.LittleEndian.Uint64(b[12:20])),
		Volume:      Fixed(binary.LittleEndian.Uint64(b[20:28])),
		Side:        Side(b[28]),
		ExchangeTNS: binary.LittleEndian.Uint64(b[32:40]),
	}
	return nil
}

// Quote is top of book.
type Quote struct {
	Instrument  instrument.ID
	BidPrice    Fixed
	BidSize     Fixed
	AskPrice    Fixed
	AskSize     Fixed
	ExchangeTNS uint64
}

func (Quote) Type() tlv.Type { return tlv.TypeQuote }

func (q Quote) MarshalBinary() ([]byte, error) {
	b := make([]byte, QuoteSize)
	q.Instrument.Put(b[0:12])
	binary.LittleEndian.PutUint64(b[12:20], uint64(q.BidPrice))
	binary.LittleEndian.PutUint64(b[20:28], uint64(q.BidSize))
	binary.LittleEndian.PutUint64(b[28:36], uint64(q.AskPrice))
	binary.LittleEndian.PutUint64(b[36:44], uint64(q.AskSize))
	binary.LittleEndian.PutUint64(b[44:52], q.ExchangeTNS)
	return b, nil
}

func (q *Quote) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeQuote, b, QuoteSize); err != nil {
		return err
	}
	id, _ := instrument.Read(b[0:12])
	*q = Quote{
		Instrument:  id,
		BidPrice:    Fixed(binary.LittleEndian.Uint64(b[12:20])),
		BidSize:     Fixed(binary.LittleEndian.Uint64(b[20:28])),
		AskPrice:    Fixed(binary.LittleEndian.Uint64(b[28:36])),
		AskSize:     Fixed(binary.LittleEndian.Uint64(b[36:44])),
		ExchangeTNS: binary.LittleEndian.Uint64(b[44:52]),
	}
	return nil
}

// Spread returns ask minus bid.
func (q Quote) Spread() Fixed {
	return q.AskPrice - q.BidPrice
}
