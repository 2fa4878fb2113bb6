package selector

import "errors"

var (
	// ErrNoExits is returned when no relay qualifies for a module.
	ErrNoExits = errors.New("no exit relay qualifies")

	// ErrUnresolvedDestination is returned when a destination host has no address.
	ErrUnresolvedDestination = errors.New("could not resolve destination")
)
