// Package store implements the authoritative in-process message
// collection for the courier delivery engine.
//
// # Overview
//
// The store owns three correctness concerns that the rest of the engine
// depends on: deduplication (exactly one record per message id within a
// conversation), ordering (newest-first by creation time, deterministic
// under any arrival order), and state-transition legality (delivery
// state never regresses except for the explicitly allowed
// delivered-to-failed case).
//
// # Architecture
//
//   - [Message]: a single message record. CreatedAt and SenderID are
//     write-once; duplicates can never overwrite them.
//   - [State]: the delivery state machine. Legality lives in one place,
//     [allowedTransition], so transports and handlers stay free of
//     business rules.
//   - [Store]: the per-conversation collection. All mutation goes
//     through Insert, Update and SweepExpired, which serialize on a
//     single mutex. Critical sections are pure data manipulation; no
//     I/O or timer work happens under the lock.
//
// Duplicate inserts and illegal transitions are routine inputs, not
// errors: they are discarded silently and the existing record wins.
package store
