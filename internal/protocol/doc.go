// Package protocol implements the agent wire format.
//
// Every frame starts with a fixed 21-byte header:
//
//	+------+----------------------+-------------+
//	| kind |  command id (uuid)   | length (BE) |
//	|  1   |         16           |      4      |
//	+------+----------------------+-------------+
//
// followed by length bytes of payload. CONTROL payloads are CBOR-encoded Control
// messages; CHUNK and CHUNK_END payloads are raw transfer bytes. CHUNK_END marks the
// last chunk of a stream so the receiver can finalize without a size announcement.
//
// The package holds no connection state; callers serialize writes per stream.
package protocol
