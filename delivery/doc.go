// Package delivery bridges the composite transport's message stream
// into the message store.
//
// The [Handler] is deliberately thin: it converts wire messages into
// store records, applies acknowledgment and failure notifications to
// locally-sent messages, runs the periodic expiration sweep, and
// republishes per-conversation lists to an observer. All state-
// transition legality is delegated to the store's reconciliation rule;
// none of it lives here.
package delivery
