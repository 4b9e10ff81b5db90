package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Request and SendChat while the session
	// is not authenticated. The handshake gate, not the transport, enforces
	// this: the socket may be open and mid-handshake.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrConnectionClosed rejects every pending request when the socket
	// closes, so no caller is left waiting across a reconnect.
	ErrConnectionClosed = errors.New("gateway: connection closed")

	// ErrAuthRejected is terminal for the identity/token pair in use. No
	// reconnection is scheduled after it; a fresh console session or new
	// credentials are required.
	ErrAuthRejected = errors.New("gateway: authentication rejected")

	// ErrConfigUnavailable means the backend config fetch failed and no
	// usable cached config existed to fall back on.
	ErrConfigUnavailable = errors.New("gateway: connection config unavailable")

	// ErrSigningFailure means the device identity could not produce a
	// signature. Fatal for the attempt; never retried with degraded identity.
	ErrSigningFailure = errors.New("gateway: signing failure")
)

// RequestError carries the server-reported failure for a single request. It
// affects only the caller that issued the request, never the connection.
type RequestError struct {
	Method  string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s request failed", e.Method)
	}
	return fmt.Sprintf("gateway: %s request failed: %s", e.Method, e.Message)
}
