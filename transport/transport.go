package transport

import "context"

// Status represents the connectivity status of a transport.
type Status uint8

const (
	// StatusDisconnected means the transport is not connected and not
	// trying to connect.
	StatusDisconnected Status = iota
	// StatusConnecting means the first connection attempt is in flight.
	StatusConnecting
	// StatusConnected means the transport is live.
	StatusConnected
	// StatusReconnecting means the connection dropped and reconnect
	// attempts are in progress.
	StatusReconnecting
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageHandler receives normalized inbound messages and reports
// whether the message was accepted. A transport must not acknowledge
// a frame its handler did not accept; the composite uses the return
// value to refuse frames arriving on the non-active leg.
type MessageHandler func(msg *Message) bool

// StatusHandler receives connectivity status changes.
type StatusHandler func(status Status)

// AckHandler receives inbound acknowledgment frames for messages this
// side previously sent.
type AckHandler func(ack AckFrame)

// Transport is the interface both transport implementations and the
// composite coordinator satisfy. Handlers must be registered before
// Connect; Connect is asynchronous and returns once the connection
// process has been started. After Disconnect returns, no handler is
// invoked again.
type Transport interface {
	Connect(ctx context.Context, identity string) error
	Disconnect() error
	IsConnected() bool
	Status() Status
	OnMessage(handler MessageHandler)
	OnStatusChange(handler StatusHandler)
}

// AckSource is implemented by transports whose wire carries
// acknowledgment frames back to the sender.
type AckSource interface {
	OnAck(handler AckHandler)
}
