// Package signaling speaks the room signaling protocol: JSON text frames of
// the form {"type": ..., "payload": {...}} over one WebSocket per session.
//
// The package has no opinion on negotiation. It parses and validates
// envelopes, drops anything malformed, and hands the rest to its caller in
// receipt order.
package signaling
