package scan

import (
	"errors"

	"github.com/nao1215/exitscan/internal/selector"
)

var (
	// ErrNoExits is returned when a module has no exit to scan.
	ErrNoExits = selector.ErrNoExits

	// ErrFirstHopNotFound is returned when the first hop is not in the catalog.
	ErrFirstHopNotFound = errors.New("first hop not found in consensus")

	// ErrNoModules is returned when a run names no module.
	ErrNoModules = errors.New("no module given")
)
