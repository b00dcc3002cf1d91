package protocol

import (
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const defaultScratch = 512

// Builder accumulates TLV fields behind a reserved header in one reusable
// buffer. It is not safe for concurrent use.
type Builder struct {
	domain   frame.Domain
	source   frame.Source
	flags    uint8
	checksum bool
	limits   frame.Limits
	buf      []byte
	err      error
}

func NewBuilder(domain frame.Domain, source frame.Source) *Builder {
	return &Builder{
		domain:   domain,
		source:   source,
		checksum: PolicyFor(domain).ComputeChecksum,
		limits:   frame.DefaultLimits(),
		buf:      make([]byte, frame.HeaderLen, defaultScratch),
	}
}

// WithLimits caps the payload size Bytes and Build accept.
func (b *Builder) WithLimits(l frame.Limits) *Builder {
	if l.MaxPayloadBytes != 0 {
		b.limits = l
	}
	return b
}

// Reset drops accumulated fields, flags and errors. The scratch buffer is kept.
func (b *Builder) Reset() *Builder {
	b.buf = b.buf[:frame.HeaderLen]
	b.flags = 0
	b.err = nil
	return b
}

func (b *Builder) Domain() frame.Domain { return b.domain }
func (b *Builder) Source() frame.Source { return b.source }

// SetFlags replaces the header flag byte.
func (b *Builder) SetFlags(flags uint8) *Builder {
	b.flags = flags
	return b
}

func (b *Builder) Add(t tlv.Type, value []byte) *Builder {
	return b.AddField(tlv.Field{Type: t, Value: value})
}

func (b *Builder) AddField(f tlv.Field) *Builder {
	if b.err != nil {
		return b
	}
	b.buf, b.err = tlv.Append(b.buf, f)
	return b
}

func (b *Builder) AddPayload(m payload.Marshaler) *Builder {
	if b.err != nil {
		return b
	}
	f, err := payload.Field(m)
	if err != nil {
		b.err = err
		return b
	}
	return b.AddField(f)
}

// Err reports the first error recorded since the last Reset.
func (b *Builder) Err() error { return b.err }

// PayloadLen is the number of TLV bytes accumulated so far.
func (b *Builder) PayloadLen() int { return len(b.buf) - frame.HeaderLen }

// Bytes finalizes the header in place and returns a view of the scratch
// buffer. The view is valid until the next Reset or Add.
func (b *Builder) Bytes(seq, timestampNS uint64) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	n := b.PayloadLen()
	if uint64(n) > uint64(b.limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: %d > %d", frame.ErrPayloadTooLarge, n, b.limits.MaxPayloadBytes)
	}
	h := frame.NewHeader(b.domain, b.source)
	h.Flags = b.flags
	h.Sequence = seq
	h.Timestamp = timestampNS
	h.PayloadSize = uint32(n)
	frame.PutHeader(b.buf, h)
	if b.checksum {
		frame.Seal(b.buf)
	}
	return b.buf, nil
}

// Build returns an owned copy of the finished frame, for handing across a
// goroutine or channel boundary.
func (b *Builder) Build(seq, timestampNS uint64) ([]byte, error) {
	view, err := b.Bytes(seq, timestampNS)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}
