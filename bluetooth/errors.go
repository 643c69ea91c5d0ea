package bluetooth

import "errors"

var (
	// ErrTransportUnavailable means no radio backend or no peer was selected.
	ErrTransportUnavailable = errors.New("bluetooth: transport unavailable")
	// ErrConnectFailure wraps a failed user-initiated connect.
	ErrConnectFailure = errors.New("bluetooth: connect failed")
	// ErrSessionLost marks a session that dropped after connecting.
	ErrSessionLost = errors.New("bluetooth: session lost")
	// ErrMalformedPayload marks a screen payload that had to be clipped.
	ErrMalformedPayload = errors.New("bluetooth: malformed screen payload")
	// ErrWriteIgnored marks a command dropped because no command endpoint is held.
	ErrWriteIgnored = errors.New("bluetooth: write ignored, not connected")

	ErrEndpointNotFound  = errors.New("bluetooth: endpoint not found")
	ErrUnsupportedDevice = errors.New("bluetooth: device exposes no screen endpoints")
	ErrClosed            = errors.New("bluetooth: device closed")
)
