// Package relay implements the server side of message delivery: it
// accepts messages from senders, pushes them to connected recipients
// over websockets, queues them for offline recipients, retries
// unacknowledged deliveries with exponential backoff, and reports
// terminal failures back to the sender.
//
// # Architecture
//
// The [Service] holds the delivery logic and is transport-agnostic:
// it pushes frames through a [Pusher] and hands queued frames out
// through Pull. The [Hub] is the production Pusher, a registry of
// live websocket connections keyed by identity. [Server] exposes both
// over HTTP using chi.
//
// Recipient membership and authorization come from a [Directory]
// supplied by the embedding application.
package relay
