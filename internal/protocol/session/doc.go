// Package session owns relay session helpers shared by relays and clients.
//
// Ownership boundary:
// - registration control messages exchanged before binary frames
// - endpoint and timeout configuration
// - retry/backoff primitives
// - per-source sequence tracking and pending recovery bookkeeping
package session
