package circuit

// State is the lifecycle state of a requested circuit.
type State int

const (
	// StateRequested means EXTENDCIRCUIT was issued and no id is known yet.
	StateRequested State = iota
	// StateExtending means Tor is building the circuit.
	StateExtending
	// StateBuilt means the circuit is open and waits for a stream.
	StateBuilt
	// StateStreamAttached means a stream was attached and has not succeeded yet.
	StateStreamAttached
	// StateProbed means the probe was dispatched.
	StateProbed
	// StateFailed means the circuit never finished building.
	StateFailed
	// StateClosed means the circuit or its stream failed after it was built.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateExtending:
		return "extending"
	case StateBuilt:
		return "built"
	case StateStreamAttached:
		return "stream-attached"
	case StateProbed:
		return "probed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateProbed || s == StateFailed || s == StateClosed
}
