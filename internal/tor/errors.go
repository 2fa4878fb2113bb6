package tor

import (
	"errors"
	"fmt"
)

// SOCKS port errors.
var (
	// ErrProxyNotTor is returned when the SOCKS address answers but does not
	// speak unauthenticated SOCKS5.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection to the SOCKS
	// address could be made.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the SOCKS handshake timed out.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrInvalidProxyAddress is returned when an address is not "host:port".
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")
)

// Control port errors.
var (
	// ErrControllerClosed is returned by commands issued after the control
	// connection was closed or lost.
	ErrControllerClosed = errors.New("tor controller closed")

	// ErrNoAuthMethod is returned when Tor offers no authentication method
	// the controller can use with the given credentials.
	ErrNoAuthMethod = errors.New("no usable control port authentication method")

	// ErrServerHashMismatch is returned when Tor's SAFECOOKIE server hash does
	// not match the cookie, which means the cookie file is not Tor's.
	ErrServerHashMismatch = errors.New("safecookie server hash mismatch")

	// ErrMalformedReply is returned when a control reply cannot be parsed.
	ErrMalformedReply = errors.New("malformed control port reply")

	// ErrMalformedEvent is returned when an asynchronous event cannot be parsed.
	ErrMalformedEvent = errors.New("malformed control port event")

	// ErrNotRunning is returned when the embedded daemon is used before Start.
	ErrNotRunning = errors.New("embedded Tor daemon is not running")
)

// ReplyError is a control port reply whose status code is not 250.
type ReplyError struct {
	// Command is the command keyword that was rejected, e.g. "EXTENDCIRCUIT".
	Command string

	// Code is the three-digit status code.
	Code int

	// Message is the reply text.
	Message string
}

// Error implements error.
func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: tor replied %d %s", e.Command, e.Code, e.Message)
}

// ProxyStatus is the result of checking a SOCKS port.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the address is a working SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the address answered but not as a
	// SOCKS5 proxy without authentication.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be established.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the check timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error returns the appropriate error for this status, or nil if OK.
func (s ProxyStatus) Error() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
