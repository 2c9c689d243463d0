package netclient

import "errors"

// Error taxonomy surfaced to callers of the connection manager.
var (
	// ErrSessionUnavailable means the network client could not be
	// reached or the handshake failed. Retryable by the caller.
	ErrSessionUnavailable = errors.New("network session unavailable")

	// ErrInvalidCredentials means the stored blob was rejected by the
	// network. The session is forced to logged_out; the tenant must
	// re-pair.
	ErrInvalidCredentials = errors.New("stored credentials rejected")
)
