// Package payload holds the fixed-layout little-endian bodies carried inside
// typed TLV fields.
package payload

import (
	"errors"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/shopspring/decimal"
)

// Scale is the number of implied decimals in fixed-point prices and sizes.
const Scale = 8

var ErrSize = errors.New("payload: size mismatch")

// Marshaler is implemented by every typed payload.
type Marshaler interface {
	Type() tlv.Type
	MarshalBinary() ([]byte, error)
}

// Field encodes m as a TLV field.
func Field(m Marshaler) (tlv.Field, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return tlv.Field{}, err
	}
	return tlv.Field{Type: m.Type(), Value: b}, nil
}

// Fixed is an i64 fixed-point value with Scale decimals.
type Fixed int64

func FixedFromDecimal(d decimal.Decimal) Fixed {
	return Fixed(d.Shift(Scale).Round(0).IntPart())
}

// ParseFixed reads a decimal string such as "64123.5".
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("payload: parse fixed %q: %w", s, err)
	}
	return FixedFromDecimal(d), nil
}

func (f Fixed) Decimal() decimal.Decimal {
	return decimal.New(int64(f), -Scale)
}

func (f Fixed) String() string {
	return f.Decimal().String()
}

func checkSize(t tlv.Type, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%w: %s got %d want %d", ErrSize, t, len(b), want)
	}
	return nil
}
