package circuit

import "errors"

var (
	// ErrDuplicateExit is returned when an exit is registered twice in one run.
	ErrDuplicateExit = errors.New("exit already has a pending circuit")

	// ErrAborted is returned by Register after Abort.
	ErrAborted = errors.New("engine aborted")

	// ErrProbePanic wraps the value recovered from a panicking probe.
	ErrProbePanic = errors.New("probe panicked")
)
