package ha

import "errors"

// Sentinel errors returned by the session. Callers test for these with
// errors.Is; internal failures are wrapped with fmt.Errorf("...: %w", ...)
// around one of these where applicable.
var (
	// ErrInvalidArgument is returned for a nil/empty URL or missing token.
	ErrInvalidArgument = errors.New("ha: invalid argument")

	// ErrAlreadyConnected is returned by Connect on an already-connected session.
	ErrAlreadyConnected = errors.New("ha: already connected")

	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("ha: not connected")

	// ErrAuthFailed names the server rejecting the token. Connect does not
	// return it: an auth_invalid reply is reported as (false, nil) with an
	// error-level log.
	ErrAuthFailed = errors.New("ha: authentication failed")

	// ErrTimeout is surfaced by GetConfig when a command's deadline elapses
	// while the session itself remains live.
	ErrTimeout = errors.New("ha: timed out waiting for reply")

	// ErrCancelled is returned when the session's own cancellation has been
	// requested (Close, or either pump exiting) and must never be swallowed.
	ErrCancelled = errors.New("ha: session closed")

	// ErrTransport wraps a send/receive failure on the underlying transport.
	ErrTransport = errors.New("ha: transport error")

	// ErrProtocol covers a result decode mismatch or an unexpected
	// handshake message from the server.
	ErrProtocol = errors.New("ha: protocol error")
)
