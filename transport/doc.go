// Package transport implements the network transports for the courier
// delivery engine.
//
// # Overview
//
// Two transports produce the same normalized message stream: a
// websocket push transport (preferred) that holds a persistent
// connection and reconnects with exponential backoff, and an HTTP pull
// transport (fallback) that polls the relay on a fixed interval with a
// last-received cursor.
//
// [Composite] owns one of each and arbitrates between them: push is
// authoritative, and pull is activated only after a sustained push
// outage, measured by a one-shot fallback timer from the first
// disconnect. The instant push recovers, pull stops and push becomes
// active again before any further message is forwarded.
//
// # Wire format
//
// All frames are JSON. [ParseFrame] is the single place wire messages
// are validated and normalized; structurally invalid frames are
// dropped, never surfaced as errors. Transports forward message ids
// exactly as received and never synthesize them.
package transport
