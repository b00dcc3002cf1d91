package protocol

import (
	"errors"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
)

var (
	ErrChecksumMismatch = frame.ErrChecksumMismatch
	ErrDomainMismatch   = errors.New("protocol: relay domain mismatch")
	ErrUnroutable       = errors.New("protocol: no routable field")
	ErrFieldNotFound    = errors.New("protocol: field not found")
	ErrNilMessage       = errors.New("protocol: nil message")
)
