package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	// ErrNoFirstHop is returned when no first hop fingerprint is given.
	ErrNoFirstHop = errors.New("no first hop specified: provide the fingerprint of your relay")

	// ErrNoModules is returned when no module is named.
	ErrNoModules = errors.New("no module specified: provide at least one module name")

	// ErrConflictingExitSelection is returned when both --country and --exit
	// are specified.
	ErrConflictingExitSelection = errors.New("conflicting exit selection: --country and --exit cannot be used together")

	// ErrInvalidCountry is returned when the country is not a two-letter code.
	ErrInvalidCountry = errors.New("invalid country: must be a two-letter country code")

	// ErrInvalidBuildDelay is returned when the build delay is negative.
	// Use 0 for no delay between circuit requests.
	ErrInvalidBuildDelay = errors.New("invalid build delay: must be non-negative")

	// ErrInvalidTimeout is returned when a probe or startup timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidDrainTimeout is returned when the drain timeout is not positive.
	ErrInvalidDrainTimeout = errors.New("invalid drain timeout: must be positive")

	// ErrInvalidProbeConcurrency is returned when the probe concurrency is
	// not positive.
	ErrInvalidProbeConcurrency = errors.New("invalid probe concurrency: must be positive")

	// ErrNoControlAddress is returned when an external Tor is used without
	// a control port address.
	ErrNoControlAddress = errors.New("no control address: --external-tor needs the control port of the daemon")

	// ErrConflictingReportFormats is returned when both --json and --markdown
	// are specified. Only one output format can be used at a time.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")
)
