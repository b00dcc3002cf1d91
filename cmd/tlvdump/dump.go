package main

import (
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/tlvrelay/internal/protocol"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/protocol/schema"
	"github.com/danmuck/tlvrelay/internal/protocol/tlv"
	"github.com/sugawarayuuta/sonnet"
)

const (
	checksumOK        = "ok"
	checksumMismatch  = "mismatch"
	checksumUnchecked = "unchecked"
)

type headerView struct {
	Domain      string   `json:"domain"`
	Version     uint8    `json:"version"`
	Source      string   `json:"source"`
	SourceID    uint8    `json:"source_id"`
	Flags       []string `json:"flags,omitempty"`
	Sequence    uint64   `json:"sequence"`
	TimestampNS uint64   `json:"timestamp_ns"`
	PayloadSize uint32   `json:"payload_size"`
	Checksum    string   `json:"checksum"`
}

type fieldView struct {
	Type     uint8  `json:"type"`
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Extended bool   `json:"extended,omitempty"`
	Value    string `json:"value"`
	Decoded  any    `json:"decoded,omitempty"`
	Invalid  string `json:"invalid,omitempty"`
}

type frameView struct {
	Offset         int64       `json:"offset"`
	Header         headerView  `json:"header"`
	ChecksumStatus string      `json:"checksum_status"`
	Fields         []fieldView `json:"fields,omitempty"`
	Error          string      `json:"error,omitempty"`
}

type dumpStats struct {
	Frames     int
	Mismatches int
	Invalid    int
}

// dump writes one JSON line per frame read from r. It stops at the first
// framing error since the stream can no longer be aligned.
func dump(r io.Reader, w io.Writer, limits frame.Limits, verifyAll bool) (dumpStats, error) {
	var (
		stats  dumpStats
		offset int64
	)
	for {
		f, err := frame.ReadFrame(r, limits, false)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("offset %d: %w", offset, err)
		}
		view := describe(f, verifyAll)
		view.Offset = offset
		offset += int64(f.Len())
		stats.Frames++
		if view.ChecksumStatus == checksumMismatch {
			stats.Mismatches++
		}
		if view.Error != "" {
			stats.Invalid++
		}
		line, err := sonnet.Marshal(view)
		if err != nil {
			return stats, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return stats, err
		}
	}
}

func describe(f frame.Frame, verifyAll bool) frameView {
	h := f.Header
	view := frameView{
		Header: headerView{
			Domain:      h.Domain.String(),
			Version:     h.Version,
			Source:      h.Source.String(),
			SourceID:    uint8(h.Source),
			Flags:       flagNames(h.Flags),
			Sequence:    h.Sequence,
			TimestampNS: h.Timestamp,
			PayloadSize: h.PayloadSize,
			Checksum:    fmt.Sprintf("0x%08x", h.Checksum),
		},
		ChecksumStatus: checksumStatus(f, verifyAll),
	}
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		view.Error = err.Error()
		return view
	}
	if err := schema.ValidateDomain(h.Domain, fields); err != nil {
		view.Error = err.Error()
	}
	view.Fields = make([]fieldView, 0, len(fields))
	for _, fld := range fields {
		fv := fieldView{
			Type:     uint8(fld.Type),
			Name:     fld.Type.String(),
			Length:   len(fld.Value),
			Extended: fld.Extended(),
			Value:    hex.EncodeToString(fld.Value),
		}
		fv.Decoded, err = decodeField(fld)
		if err != nil {
			fv.Invalid = err.Error()
		}
		view.Fields = append(view.Fields, fv)
	}
	return view
}

// checksumStatus verifies frames whose domain seals them; verifyAll also
// checks unsealed domains when they carry a nonzero checksum.
func checksumStatus(f frame.Frame, verifyAll bool) string {
	p := protocol.PolicyFor(f.Header.Domain)
	if !p.VerifyChecksum && !(verifyAll && f.Header.Checksum != 0) {
		return checksumUnchecked
	}
	if err := frame.Verify(f.Raw); err != nil {
		return checksumMismatch
	}
	return checksumOK
}

func flagNames(flags uint8) []string {
	var out []string
	if flags&frame.FlagRetransmit != 0 {
		out = append(out, "retransmit")
	}
	if flags&frame.FlagSnapshot != 0 {
		out = append(out, "snapshot")
	}
	if rest := flags &^ (frame.FlagRetransmit | frame.FlagSnapshot); rest != 0 {
		out = append(out, fmt.Sprintf("0x%02x", rest))
	}
	return out
}

func decodeField(f tlv.Field) (any, error) {
	var dst encoding.BinaryUnmarshaler
	switch f.Type {
	case tlv.TypeTrade:
		dst = &payload.Trade{}
	case tlv.TypeQuote:
		dst = &payload.Quote{}
	case tlv.TypeSignalIdentity:
		dst = &payload.SignalIdentity{}
	case tlv.TypeArbitrageSignal:
		dst = &payload.ArbitrageSignal{}
	case tlv.TypeOrderRequest:
		dst = &payload.OrderRequest{}
	case tlv.TypeFill:
		dst = &payload.Fill{}
	case tlv.TypeHeartbeat:
		dst = &payload.Heartbeat{}
	case tlv.TypeRecoveryRequest:
		dst = &payload.RecoveryRequest{}
	case tlv.TypeSnapshot:
		dst = &payload.Snapshot{}
	case tlv.TypeError:
		dst = &payload.ErrorReport{}
	default:
		return nil, nil
	}
	if err := dst.UnmarshalBinary(f.Value); err != nil {
		return nil, err
	}
	return dst, nil
}
