package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen         = 2
	ExtendedHeaderLen = 5

	MaxStandardValue = 255
	MaxExtendedValue = 65535
)

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrInvalidType      = errors.New("tlv: invalid type")
	ErrValueTooLarge    = errors.New("tlv: value too large")
)

// Field is one TLV entry. Values returned by Decode alias the input payload.
type Field struct {
	Type  Type
	Value []byte
}

// Extended reports whether the field needs the extended-length form.
func (f Field) Extended() bool {
	return len(f.Value) > MaxStandardValue
}

// Size is the encoded length of f.
func Size(f Field) int {
	if f.Extended() {
		return ExtendedHeaderLen + len(f.Value)
	}
	return HeaderLen + len(f.Value)
}

// Append encodes f onto dst, picking the extended form when the value exceeds
// 255 bytes.
func Append(dst []byte, f Field) ([]byte, error) {
	if f.Type == 0 || f.Type == TypeExtended {
		return dst, fmt.Errorf("%w: %d", ErrInvalidType, uint8(f.Type))
	}
	n := len(f.Value)
	if n > MaxExtendedValue {
		return dst, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, n)
	}
	if n > MaxStandardValue {
		var hdr [ExtendedHeaderLen]byte
		hdr[0] = byte(TypeExtended)
		hdr[2] = byte(f.Type)
		binary.LittleEndian.PutUint16(hdr[3:5], uint16(n))
		dst = append(dst, hdr[:]...)
	} else {
		dst = append(dst, byte(f.Type), byte(n))
	}
	return append(dst, f.Value...), nil
}

func Encode(fields []Field) ([]byte, error) {
	total := 0
	for _, f := range fields {
		total += Size(f)
	}
	out := make([]byte, 0, total)
	var err error
	for _, f := range fields {
		if out, err = Append(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decode walks a concatenated TLV payload in order.
func Decode(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		t := Type(payload[i])
		var n int
		switch t {
		case 0:
			return nil, fmt.Errorf("%w: 0 at offset %d", ErrInvalidType, i)
		case TypeExtended:
			if len(payload)-i < ExtendedHeaderLen {
				return nil, ErrShortFieldHeader
			}
			t = Type(payload[i+2])
			if t == 0 || t == TypeExtended {
				return nil, fmt.Errorf("%w: extended actual_type %d at offset %d", ErrInvalidType, uint8(t), i)
			}
			n = int(binary.LittleEndian.Uint16(payload[i+3 : i+5]))
			i += ExtendedHeaderLen
		default:
			n = int(payload[i+1])
			i += HeaderLen
		}
		if len(payload)-i < n {
			return nil, fmt.Errorf("%w: type %d wants %d have %d", ErrShortFieldValue, uint8(t), n, len(payload)-i)
		}
		fields = append(fields, Field{Type: t, Value: payload[i : i+n : i+n]})
		i += n
	}
	return fields, nil
}

// Get returns the first field of type t.
func Get(fields []Field, t Type) (Field, bool) {
	for _, f := range fields {
		if f.Type == t {
			return f, true
		}
	}
	return Field{}, false
}

// Clone copies field values out of a shared buffer.
func Clone(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Type: f.Type, Value: append([]byte(nil), f.Value...)}
	}
	return out
}
