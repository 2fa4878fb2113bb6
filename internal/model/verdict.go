package model

import (
	"fmt"
	"strings"
)

// Verdict is the outcome a probe module reports for one exit relay.
type Verdict int

const (
	// VerdictClean means the exit relay behaved as expected.
	VerdictClean Verdict = iota

	// VerdictSuspicious means the probe observed something the exit should
	// not have done, such as modified content or a wrong exit address.
	// These results are what an operator reviews after a scan.
	VerdictSuspicious

	// VerdictError means the probe could not complete its measurement.
	// Timeouts and refused connections through the exit end up here.
	VerdictError
)

// String returns the upper-case verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "CLEAN"
	case VerdictSuspicious:
		return "SUSPICIOUS"
	case VerdictError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseVerdict is the inverse of String. It is case-insensitive.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLEAN":
		return VerdictClean, nil
	case "SUSPICIOUS":
		return VerdictSuspicious, nil
	case "ERROR":
		return VerdictError, nil
	default:
		return 0, fmt.Errorf("unknown verdict %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so verdicts appear by name
// in JSON reports.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(b []byte) error {
	parsed, err := ParseVerdict(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
