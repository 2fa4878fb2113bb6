package model

import "time"

// ProbeRecord is the stored result of probing one exit relay with one module.
type ProbeRecord struct {
	// Module is the name of the probe module.
	Module string `json:"module"`

	// ExitFingerprint is the probed exit relay's fingerprint.
	ExitFingerprint string `json:"exit_fingerprint"`

	// ExitNickname is the relay's nickname, if the catalog knew it.
	ExitNickname string `json:"exit_nickname,omitempty"`

	// ExitAddress is the relay's OR address.
	ExitAddress string `json:"exit_address,omitempty"`

	// Country is the relay's lower-case country code, if known.
	Country string `json:"country,omitempty"`

	// CircuitID is the control-port circuit the probe ran over.
	CircuitID string `json:"circuit_id"`

	// Verdict is the module's judgement.
	Verdict Verdict `json:"verdict"`

	// Detail is a short, human-readable explanation of the verdict.
	Detail string `json:"detail,omitempty"`

	// Duration is how long the probe function ran.
	Duration time.Duration `json:"duration"`

	// ProbedAt is when the probe was dispatched.
	ProbedAt time.Time `json:"probed_at"`
}

// ModuleRun summarizes one module's scan within a run.
type ModuleRun struct {
	// Name is the module name.
	Name string `json:"name"`

	// Selected is the number of exits the selector returned.
	Selected int `json:"selected"`

	// ExitRelays is the number of exit-capable relays in the catalog.
	ExitRelays int `json:"exit_relays"`

	// Failed is the number of circuits that failed during this module.
	Failed int `json:"failed"`

	// Probed is the number of circuits handed to the probe.
	Probed int `json:"probed"`

	// Error is set when the module was skipped because of a configuration
	// error, such as an unresolvable destination.
	Error string `json:"error,omitempty"`

	// Duration is the wall-clock time of the module's scan.
	Duration time.Duration `json:"duration"`

	// Results holds the probe records in the order they completed.
	Results []*ProbeRecord `json:"results,omitempty"`
}

// Skipped reports whether the module did not scan at all.
func (m *ModuleRun) Skipped() bool {
	return m.Error != ""
}
