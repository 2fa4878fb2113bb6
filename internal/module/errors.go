package module

import "errors"

var (
	// ErrUnknownModule is returned when a module name is not registered.
	ErrUnknownModule = errors.New("unknown module")

	// ErrDuplicateModule is returned when a module name is registered twice.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrNoDialer is returned when an invocation has no circuit dialer,
	// which happens when the scan runs without a SOCKS port.
	ErrNoDialer = errors.New("invocation has no circuit dialer")

	// ErrNotPrepared is returned by a module probed before Prepare succeeded.
	ErrNotPrepared = errors.New("module is not prepared")
)
