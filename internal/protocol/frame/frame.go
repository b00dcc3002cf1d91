package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Magic     uint32 = 0xDEADBEEF
	Version   uint8  = 1
	HeaderLen        = 32

	FlagRetransmit uint8 = 0x01
	FlagSnapshot   uint8 = 0x02

	flagsOffset    = 7
	checksumOffset = 28
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrInvalidDomain      = errors.New("frame: invalid relay domain")
	ErrTruncatedPayload   = errors.New("frame: truncated payload")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrChecksumMismatch   = errors.New("frame: checksum mismatch")
)

// ChecksumError carries both sides of a failed checksum comparison.
type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("frame: checksum mismatch: header=%08x computed=%08x", e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// Header is the fixed 32-byte little-endian wire header.
type Header struct {
	Magic       uint32
	Domain      Domain
	Version     uint8
	Source      Source
	Flags       uint8
	Sequence    uint64
	Timestamp   uint64
	PayloadSize uint32
	Checksum    uint32
}

// Frame is one complete wire message. Raw holds header and payload contiguously
// and Payload aliases Raw.
type Frame struct {
	Header  Header
	Payload []byte
	Raw     []byte
}

// Len is the encoded size of the frame.
func (f Frame) Len() int {
	return HeaderLen + int(f.Header.PayloadSize)
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		return DefaultLimits()
	}
	return l
}

// NewHeader fills the constant fields for a frame in domain d.
func NewHeader(d Domain, src Source) Header {
	return Header{Magic: Magic, Domain: d, Version: Version, Source: src}
}

func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderLen-1]
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	dst[4] = byte(h.Domain)
	dst[5] = h.Version
	dst[6] = byte(h.Source)
	dst[7] = h.Flags
	binary.LittleEndian.PutUint64(dst[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(dst[16:24], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[24:28], h.PayloadSize)
	binary.LittleEndian.PutUint32(dst[28:32], h.Checksum)
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

// DecodeHeader reads the header fields without validating them.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		Domain:      Domain(b[4]),
		Version:     b[5],
		Source:      Source(b[6]),
		Flags:       b[7],
		Sequence:    binary.LittleEndian.Uint64(b[8:16]),
		Timestamp:   binary.LittleEndian.Uint64(b[16:24]),
		PayloadSize: binary.LittleEndian.Uint32(b[24:28]),
		Checksum:    binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// Validate checks the sentinel, version and domain fields.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Domain.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDomain, uint8(h.Domain))
	}
	return nil
}

var zeroChecksum [4]byte

// Checksum is CRC-32 (IEEE) over the header with its checksum field zeroed,
// followed by the payload.
func Checksum(header, payload []byte) uint32 {
	sum := crc32.Update(0, crc32.IEEETable, header[:checksumOffset])
	sum = crc32.Update(sum, crc32.IEEETable, zeroChecksum[:])
	return crc32.Update(sum, crc32.IEEETable, payload)
}

// Seal computes the checksum of an encoded frame and stores it in place.
func Seal(raw []byte) uint32 {
	sum := Checksum(raw[:HeaderLen], raw[HeaderLen:])
	binary.LittleEndian.PutUint32(raw[checksumOffset:HeaderLen], sum)
	return sum
}

// WithFlags returns a copy of raw with flags ORed into the header, resealed
// when seal is set.
func WithFlags(raw []byte, flags uint8, seal bool) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	if len(out) < HeaderLen {
		return out
	}
	out[flagsOffset] |= flags
	if seal {
		Seal(out)
	}
	return out
}

// Verify compares the stored checksum against the computed one.
func Verify(raw []byte) error {
	if len(raw) < HeaderLen {
		return ErrShortHeader
	}
	stored := binary.LittleEndian.Uint32(raw[checksumOffset:HeaderLen])
	computed := Checksum(raw[:HeaderLen], raw[HeaderLen:])
	if stored != computed {
		return &ChecksumError{Expected: stored, Actual: computed}
	}
	return nil
}

// Parse decodes the first frame in buf. The returned Payload and Raw alias buf.
// On checksum mismatch the decoded frame is returned alongside the error.
func Parse(buf []byte, limits Limits, verify bool) (Frame, error) {
	limits = limits.withDefaults()
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}
	if h.PayloadSize > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadSize, limits.MaxPayloadBytes)
	}
	end := HeaderLen + int(h.PayloadSize)
	if len(buf) < end {
		return Frame{}, fmt.Errorf("%w: have %d want %d", ErrTruncatedPayload, len(buf)-HeaderLen, h.PayloadSize)
	}
	f := Frame{Header: h, Payload: buf[HeaderLen:end], Raw: buf[:end]}
	if verify {
		if err := Verify(f.Raw); err != nil {
			return f, err
		}
	}
	return f, nil
}

// ReadFrame reads exactly one frame from r into a freshly allocated buffer.
// A clean end of stream before any header byte returns io.EOF.
// On checksum mismatch the decoded frame is returned alongside the error.
func ReadFrame(r io.Reader, limits Limits, verify bool) (Frame, error) {
	limits = limits.withDefaults()
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}
	if h.PayloadSize > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadSize, limits.MaxPayloadBytes)
	}

	raw := make([]byte, HeaderLen+int(h.PayloadSize))
	copy(raw, fixed[:])
	if h.PayloadSize > 0 {
		if _, err := io.ReadFull(r, raw[HeaderLen:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrTruncatedPayload
			}
			return Frame{}, err
		}
	}
	f := Frame{Header: h, Payload: raw[HeaderLen:], Raw: raw}
	if verify {
		if err := Verify(raw); err != nil {
			return f, err
		}
	}
	return f, nil
}

// WriteFrame writes f.Raw when present, otherwise encodes header and payload.
// The header payload size is always derived from the payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	limits = limits.withDefaults()
	if f.Raw != nil {
		_, err := w.Write(f.Raw)
		return err
	}
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadSize = uint32(len(f.Payload))
	buf := make([]byte, HeaderLen+len(f.Payload))
	PutHeader(buf, h)
	copy(buf[HeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}
