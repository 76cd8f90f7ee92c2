// Package transport defines the minimal capability set the Home Assistant
// WebSocket client needs from a connection, independent of any concrete
// WebSocket library. internal/ha depends only on this interface so the
// connection engine can be driven by a fake in tests.
package transport

import "context"

// Kind discriminates the payload of a received frame.
type Kind int

const (
	Text Kind = iota
	Binary
	Close
)

// State mirrors the lifecycle of a WebSocket connection.
type State int

const (
	Connecting State = iota
	Open
	CloseSent
	CloseReceived
	Closed
	Aborted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case CloseSent:
		return "close_sent"
	case CloseReceived:
		return "close_received"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transport is the bytes-in/bytes-out abstraction the core pumps drive.
// A conforming implementation need not know anything about Home Assistant;
// it only has to move framed messages reliably and in order.
type Transport interface {
	// Connect performs the upgrade/handshake. On success State() is Open.
	Connect(ctx context.Context, url string) error

	// Receive reads a single WebSocket frame into buf, returning the number
	// of bytes written, whether this frame completes the message, and the
	// frame kind. The caller concatenates frames until endOfMessage is true.
	Receive(ctx context.Context, buf []byte) (n int, endOfMessage bool, kind Kind, err error)

	// Send transmits a single complete message.
	Send(ctx context.Context, data []byte) error

	// CloseOutput half-closes the connection, sending a close frame with
	// the given code and reason. The peer's close frame is observed via a
	// subsequent Receive returning Kind == Close.
	CloseOutput(ctx context.Context, code int, reason string) error

	// State reports the current connection lifecycle stage.
	State() State

	// Dispose releases any underlying resources. Safe to call more than
	// once and safe to call without a prior Connect.
	Dispose() error
}

// Factory constructs a fresh, unconnected Transport; Connect is called on
// it separately with the target URL. Production code uses
// NewWebSocketTransport; tests substitute a fake.
type Factory func() Transport

// Standard close codes, mirrored from the WebSocket protocol so callers
// don't need to import a WebSocket library just to close cleanly.
const (
	CloseNormalClosure = 1000
	CloseGoingAway     = 1001
)
