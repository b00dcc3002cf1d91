// Package instrument encodes venue and asset identity directly in the id so
// neither can require a lookup table to recover. Stock and coin ids are
// bijective with their symbols; token and pool ids carry a truncated digest
// of the address or legs and cannot be reversed.
package instrument

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the wire length of an ID.
const Size = 12

const (
	maxSymbolLen = 12
	packedIDBits = 40
	packedIDMask = uint64(1)<<packedIDBits - 1
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol")
	ErrShortID       = errors.New("instrument: short id")
)

type Venue uint16

const (
	VenueBinance   Venue = 1
	VenueKraken    Venue = 2
	VenueCoinbase  Venue = 3
	VenueGemini    Venue = 4
	VenueNYSE      Venue = 100
	VenueNASDAQ    Venue = 101
	VenuePolygon   Venue = 200
	VenueUniswapV2 Venue = 300
	VenueUniswapV3 Venue = 301
	VenueSushiSwap Venue = 302
)

var venueNames = map[Venue]string{
	VenueBinance:   "binance",
	VenueKraken:    "kraken",
	VenueCoinbase:  "coinbase",
	VenueGemini:    "gemini",
	VenueNYSE:      "nyse",
	VenueNASDAQ:    "nasdaq",
	VenuePolygon:   "polygon",
	VenueUniswapV2: "uniswap_v2",
	VenueUniswapV3: "uniswap_v3",
	VenueSushiSwap: "sushiswap",
}

func (v Venue) String() string {
	if name, ok := venueNames[v]; ok {
		return name
	}
	return fmt.Sprintf("venue(%d)", uint16(v))
}

type AssetType uint8

const (
	AssetStock AssetType = 1
	AssetCoin  AssetType = 2
	AssetToken AssetType = 3
	AssetPool  AssetType = 4
)

func (a AssetType) String() string {
	switch a {
	case AssetStock:
		return "stock"
	case AssetCoin:
		return "coin"
	case AssetToken:
		return "token"
	case AssetPool:
		return "pool"
	default:
		return fmt.Sprintf("asset(%d)", uint8(a))
	}
}

// ID is a self-describing instrument identifier.
type ID struct {
	Venue     Venue
	AssetType AssetType
	Reserved  uint8
	AssetID   uint64
}

func Stock(venue Venue, symbol string) (ID, error) {
	v, err := PackSymbol(symbol)
	if err != nil {
		return ID{}, err
	}
	return ID{Venue: venue, AssetType: AssetStock, AssetID: v}, nil
}

func Coin(venue Venue, symbol string) (ID, error) {
	v, err := PackSymbol(symbol)
	if err != nil {
		return ID{}, err
	}
	return ID{Venue: venue, AssetType: AssetCoin, AssetID: v}, nil
}

// Token keys an on-chain token by the leading 8 bytes of its address. The
// remaining 12 bytes are dropped, so the address cannot be recovered from the
// id and two addresses sharing a prefix collide.
func Token(venue Venue, address [20]byte) ID {
	return ID{Venue: venue, AssetType: AssetToken, AssetID: binary.BigEndian.Uint64(address[:8])}
}

// TokenHex parses a 0x-prefixed 20-byte address.
func TokenHex(venue Venue, address string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(address), "0x"))
	if err != nil {
		return ID{}, fmt.Errorf("instrument: token address: %w", err)
	}
	if len(raw) != 20 {
		return ID{}, fmt.Errorf("instrument: token address length %d", len(raw))
	}
	var addr [20]byte
	copy(addr[:], raw)
	return Token(venue, addr), nil
}

// Pool combines the low 32 bits of each leg, ordered so the id does not depend
// on argument order. The legs cannot be recovered from the result.
func Pool(venue Venue, a, b ID) ID {
	lo, hi := a.AssetID, b.AssetID
	if lo > hi {
		lo, hi = hi, lo
	}
	return ID{Venue: venue, AssetType: AssetPool, AssetID: (lo&0xFFFFFFFF)<<32 | hi&0xFFFFFFFF}
}

// Reversible reports whether AssetID alone recovers the asset: true for
// symbol-packed stock and coin ids, false for token and pool digests.
func (id ID) Reversible() bool {
	return id.AssetType == AssetStock || id.AssetType == AssetCoin
}

// Symbol reverses the base-36 packing of stock and coin ids.
func (id ID) Symbol() (string, bool) {
	if !id.Reversible() {
		return "", false
	}
	return UnpackSymbol(id.AssetID), true
}

// Pack folds the id into one word: venue in the top 16 bits, asset type in the
// next 8, then the low 40 bits of AssetID.
func (id ID) Pack() uint64 {
	return uint64(id.Venue)<<48 | uint64(id.AssetType)<<packedIDBits | id.AssetID&packedIDMask
}

func Unpack(v uint64) ID {
	return ID{
		Venue:     Venue(v >> 48),
		AssetType: AssetType(v >> packedIDBits),
		AssetID:   v & packedIDMask,
	}
}

func (id ID) Put(dst []byte) {
	_ = dst[Size-1]
	binary.LittleEndian.PutUint16(dst[0:2], uint16(id.Venue))
	dst[2] = byte(id.AssetType)
	dst[3] = id.Reserved
	binary.LittleEndian.PutUint64(dst[4:12], id.AssetID)
}

func Read(b []byte) (ID, error) {
	if len(b) < Size {
		return ID{}, ErrShortID
	}
	return ID{
		Venue:     Venue(binary.LittleEndian.Uint16(b[0:2])),
		AssetType: AssetType(b[2]),
		Reserved:  b[3],
		AssetID:   binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}

func (id ID) String() string {
	if sym, ok := id.Symbol(); ok {
		return fmt.Sprintf("%s:%s:%s", id.Venue, id.AssetType, sym)
	}
	return fmt.Sprintf("%s:%s:%016x", id.Venue, id.AssetType, id.AssetID)
}

// PackSymbol maps up to 12 characters of [0-9A-Z] to a bijective base-36
// integer. Lowercase input is folded to upper case.
func PackSymbol(symbol string) (uint64, error) {
	if symbol == "" || len(symbol) > maxSymbolLen {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	var v uint64
	for i := len(symbol) - 1; i >= 0; i-- {
		d, ok := symbolDigit(symbol[i])
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
		v = v*36 + d
	}
	return v, nil
}

func UnpackSymbol(v uint64) string {
	var sb strings.Builder
	for v > 0 {
		d := v % 36
		if d == 0 {
			d = 36
		}
		sb.WriteByte(symbolChar(d))
		v = (v - d) / 36
	}
	return sb.String()
}

func symbolDigit(c byte) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c-'0') + 1, true
	case c >= 'A' && c <= 'Z':
		return uint64(c-'A') + 11, true
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 11, true
	default:
		return 0, false
	}
}

func symbolChar(d uint64) byte {
	if d <= 10 {
		return byte('0' + d - 1)
	}
	return byte('A' + d - 11)
}
