package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
)

const (
	HeartbeatSize          = 16
	RecoveryRequestSize    = 24
	SnapshotHeaderSize     = 16
	MaxSnapshotStateLength = tlv.MaxExtendedValue - SnapshotHeaderSize
)

// Heartbeat advertises the producer's latest sequence.
type Heartbeat struct {
	LastSequence uint64
	TimestampNS  uint64
}

func (Heartbeat) Type() tlv.Type { return tlv.TypeHeartbeat }

func (h Heartbeat) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeartbeatSize)
	binary.LittleEndian.PutUint64(b[0:8], h.LastSequence)
	binary.LittleEndian.PutUint64(b[8:16], h.TimestampNS)
	return b, nil
}

func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeHeartbeat, b, HeartbeatSize); err != nil {
		return err
	}
	h.LastSequence = binary.LittleEndian.Uint64(b[0:8])
	h.TimestampNS = binary.LittleEndian.Uint64(b[8:16])
	return nil
}

type RecoveryType uint8

const (
	RecoveryRetransmit RecoveryType = 1
	RecoverySnapshot   RecoveryType = 2
)

func (r RecoveryType) String() string {
	switch r {
	case RecoveryRetransmit:
		return "retransmit"
	case RecoverySnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("recovery(%d)", uint8(r))
	}
}

// RecoveryRequest asks for the inclusive sequence range [Start, End] of Source.
type RecoveryRequest struct {
	ConsumerID  uint32
	Source      frame.Source
	RequestType RecoveryType
	Start       uint64
	End         uint64
}

func (RecoveryRequest) Type() tlv.Type { return tlv.TypeRecoveryRequest }

func (r RecoveryRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecoveryRequestSize)
	binary.LittleEndian.PutUint32(b[0:4], r.ConsumerID)
	b[4] = byte(r.Source)
	b[5] = byte(r.RequestType)
	binary.LittleEndian.PutUint64(b[8:16], r.Start)
	binary.LittleEndian.PutUint64(b[16:24], r.End)
	return b, nil
}

func (r *RecoveryRequest) UnmarshalBinary(b []byte) error {
	if err := checkSize(tlv.TypeRecoveryRequest, b, RecoveryRequestSize); err != nil {
		return err
	}
	*r = RecoveryRequest{
		ConsumerID:  binary.LittleEndian.Uint32(b[0:4]),
		Source:      frame.Source(b[4]),
		RequestType: RecoveryType(b[5]),
		Start:       binary.LittleEndian.Uint64(b[8:16]),
		End:         binary.LittleEndian.Uint64(b[16:24]),
	}
	return nil
}

// Validate rejects unknown request types and inverted ranges.
func (r RecoveryRequest) Validate() error {
	if r.RequestType != RecoveryRetransmit && r.RequestType != RecoverySnapshot {
		return fmt.Errorf("payload: recovery request type %d", uint8(r.RequestType))
	}
	if r.Start > r.End {
		return fmt.Errorf("payload: recovery range [%d,%d] inverted", r.Start, r.End)
	}
	return nil
}

// Snapshot carries opaque producer state addressed to one consumer.
type Snapshot struct {
	ConsumerID   uint32
	Source       frame.Source
	LastSequence uint64
	State        []byte
}

func (Snapshot) Type() tlv.Type { return tlv.TypeSnapshot }

func (s Snapshot) MarshalBinary() ([]byte, error) {
	if len(s.State) > MaxSnapshotStateLength {
		return nil, fmt.Errorf("%w: snapshot state %d bytes", tlv.ErrValueTooLarge, len(s.State))
	}
	b := make([]byte, SnapshotHeaderSize+len(s.State))
	binary.LittleEndian.PutUint32(b[0:4], s.ConsumerID)
	b[4] = byte(s.Source)
	binary.LittleEndian.PutUint64(b[8:16], s.LastSequence)
	copy(b[SnapshotHeaderSize:], s.State)
	return b, nil
}

// UnmarshalBinary aliases State into b.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	if len(b) < SnapshotHeaderSize {
		return fmt.Errorf("%w: Snapshot got %d want >= %d", ErrSize, len(b), SnapshotHeaderSize)
	}
	*s = Snapshot{
		ConsumerID:   binary.LittleEndian.Uint32(b[0:4]),
		Source:       frame.Source(b[4]),
		LastSequence: binary.LittleEndian.Uint64(b[8:16]),
		State:        b[SnapshotHeaderSize:],
	}
	return nil
}

// SnapshotTarget reads the addressed consumer without decoding the state.
func SnapshotTarget(b []byte) (uint32, bool) {
	if len(b) < SnapshotHeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}

// ErrorReport is a free-form error notice; Code is producer defined.
type ErrorReport struct {
	Code    uint16
	Message string
}

func (ErrorReport) Type() tlv.Type { return tlv.TypeError }

func (e ErrorReport) MarshalBinary() ([]byte, error) {
	if len(e.Message) > tlv.MaxExtendedValue-2 {
		return nil, fmt.Errorf("%w: error message %d bytes", tlv.ErrValueTooLarge, len(e.Message))
	}
	b := make([]byte, 2+len(e.Message))
	binary.LittleEndian.PutUint16(b[0:2], e.Code)
	copy(b[2:], e.Message)
	return b, nil
}

func (e *ErrorReport) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: Error got %d want >= 2", ErrSize, len(b))
	}
	e.Code = binary.LittleEndian.Uint16(b[0:2])
	e.Message = string(b[2:])
	return nil
}
