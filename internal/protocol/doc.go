// Package protocol owns the relay wire contract: per-domain validation policy,
// the message builder, and message parsing.
//
// Ownership boundary:
// - frame: 32-byte header, checksum, stream framing
// - tlv: type registry, standard and extended field encoding
// - schema: payload size rules and domain membership
// - payload: typed fixed-layout bodies
// - instrument: self-describing instrument ids
// - session: handshake, backoff, gap tracking
package protocol
