package protocol

import (
	"encoding"
	"fmt"
	"io"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

// Message is a parsed frame. Fields alias Raw.
type Message struct {
	Header frame.Header
	Fields []tlv.Field
	Raw    []byte
}

// Parse decodes one complete frame from buf under policy p: header checks,
// checksum when the policy verifies it, TLV framing, then domain validation
// when the policy asks for it.
func Parse(buf []byte, p Policy) (*Message, error) {
	f, err := frame.Parse(buf, frame.Limits{}, p.VerifyChecksum)
	if err != nil {
		return nil, err
	}
	return fromFrame(f, p)
}

// Decode reads one frame from r and parses it under policy p.
func Decode(r io.Reader, p Policy, limits frame.Limits) (*Message, error) {
	f, err := frame.ReadFrame(r, limits, p.VerifyChecksum)
	if err != nil {
		return nil, err
	}
	return fromFrame(f, p)
}

func fromFrame(f frame.Frame, p Policy) (*Message, error) {
	if p.Domain != 0 && f.Header.Domain != p.Domain {
		return nil, fmt.Errorf("%w: frame=%s policy=%s", ErrDomainMismatch, f.Header.Domain, p.Domain)
	}
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		return nil, err
	}
	if p.ValidateTLV {
		if err := schema.ValidateDomain(f.Header.Domain, fields); err != nil {
			return nil, err
		}
	}
	return &Message{Header: f.Header, Fields: fields, Raw: f.Raw}, nil
}

// Route returns the domain implied by the first field that has a fixed one.
// Vendor fields are skipped.
func Route(m *Message) (frame.Domain, error) {
	if m == nil {
		return 0, ErrNilMessage
	}
	for _, f := range m.Fields {
		if d, ok := tlv.DomainOf(f.Type); ok {
			return d, nil
		}
	}
	return 0, ErrUnroutable
}

func (m *Message) Field(t tlv.Type) (tlv.Field, bool) {
	return tlv.Get(m.Fields, t)
}

func (m *Message) Has(t tlv.Type) bool {
	_, ok := tlv.Get(m.Fields, t)
	return ok
}

// Unmarshal decodes the first field of type t into dst.
func (m *Message) Unmarshal(t tlv.Type, dst encoding.BinaryUnmarshaler) error {
	f, ok := tlv.Get(m.Fields, t)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFieldNotFound, t)
	}
	return dst.UnmarshalBinary(f.Value)
}

func (m *Message) Retransmitted() bool {
	return m.Header.Flags&frame.FlagRetransmit != 0
}

func (m *Message) IsSnapshot() bool {
	return m.Header.Flags&frame.FlagSnapshot != 0 || m.Has(tlv.TypeSnapshot)
}

// Clone copies Raw and re-slices Fields onto the copy.
func (m *Message) Clone() *Message {
	raw := append([]byte(nil), m.Raw...)
	out := &Message{Header: m.Header, Raw: raw}
	if len(m.Fields) == 0 || len(m.Raw) == 0 {
		out.Fields = tlv.Clone(m.Fields)
		return out
	}
	fields, err := tlv.Decode(raw[frame.HeaderLen:])
	if err != nil {
		out.Fields = tlv.Clone(m.Fields)
		return out
	}
	out.Fields = fields
	return out
}
