// Package relay runs one domain relay: it accepts publisher and consumer
// connections on a byte-stream socket, validates publisher frames under the
// domain policy, journals and audits them, and fans them out in accept order
// to every registered consumer.
//
// Boundary:
//   - Wire layout and validation live in internal/protocol.
//   - Handshake, gap tracking and transport rules live in internal/protocol/session.
//   - Retransmit storage lives in internal/journal; audit trails in internal/audit.
package relay
