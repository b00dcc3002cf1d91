package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/sugawarayuuta/sonnet"
)

const (
	controlTypeRegister    = "relay.register"
	controlTypeRegisterAck = "relay.register.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 16 * 1024
)

// Ack codes carried by rejected registrations.
const (
	AckCodeOK             uint32 = 0
	AckCodeBadRequest     uint32 = 1
	AckCodeDomainMismatch uint32 = 2
	AckCodeShuttingDown   uint32 = 3
)

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
	ErrRegistrationRejected   = errors.New("session: registration rejected")
)

type Role string

const (
	RolePublisher Role = "publisher"
	RoleConsumer  Role = "consumer"
)

func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleConsumer
}

// Registration is the first line a client writes after connecting.
type Registration struct {
	ClientID string       `json:"client_id"`
	Role     Role         `json:"role"`
	Domain   frame.Domain `json:"domain"`
	Source   frame.Source `json:"source"`
	Version  uint8        `json:"version"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidRegistration)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRegistration, r.Role)
	}
	if !r.Domain.Valid() {
		return fmt.Errorf("%w: invalid domain %d", ErrInvalidRegistration, uint8(r.Domain))
	}
	if r.Version != 0 && r.Version != frame.Version {
		return fmt.Errorf("%w: version %d", ErrInvalidRegistration, r.Version)
	}
	return nil
}

// RegistrationAck answers a Registration. ConsumerID is set for accepted
// consumers and is the id recovery requests and snapshots are addressed to.
type RegistrationAck struct {
	Status      string       `json:"status"`
	Code        uint32       `json:"code"`
	Message     string       `json:"message,omitempty"`
	RelayID     string       `json:"relay_id"`
	Domain      frame.Domain `json:"domain"`
	ConsumerID  uint32       `json:"consumer_id,omitempty"`
	TimestampMS uint64       `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.RelayID) == "" {
		return fmt.Errorf("%w: missing relay_id", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

// Err converts a rejected ack into an error.
func (a RegistrationAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: code=%d %s", ErrRegistrationRejected, a.Code, a.Message)
}

type controlEnvelope struct {
	Type string           `json:"type"`
	Reg  *Registration    `json:"registration,omitempty"`
	Ack  *RegistrationAck `json:"registration_ack,omitempty"`
}

func WriteRegistration(w io.Writer, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegister, Reg: &reg})
}

// ReadRegistration reads one control line. The reader keeps any binary frame
// bytes that follow, so callers must keep reading frames from the same r.
func ReadRegistration(r *bufio.Reader) (Registration, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistration, env.Type)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegisterAck, Ack: &ack})
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.Ack == nil {
		return RegistrationAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistrationAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := sonnet.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := sonnet.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, fmt.Errorf("session: decode control line: %w", err)
	}
	return env, nil
}
