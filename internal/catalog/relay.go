package catalog

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// FlagExit is the consensus flag given to relays that exit to common ports.
const FlagExit = "Exit"

// Relay is a single relay record taken from a consensus snapshot.
type Relay struct {
	// Fingerprint is the relay identity digest as 40 upper-case hex characters.
	Fingerprint string

	// Nickname is the relay's self-chosen nickname.
	Nickname string

	// Address is the relay's IPv4 OR address.
	Address netip.Addr

	// ORPort is the relay's onion routing port.
	ORPort uint16

	// Flags are the status flags the directory authorities assigned.
	Flags []string

	// Policy is the relay's exit policy. It is the port summary from the
	// consensus unless a server descriptor supplied the full policy.
	Policy ExitPolicy

	// Country is the lower-case 2-letter country code of Address,
	// or empty when no GeoIP information was available.
	Country string
}

// HasFlag reports whether the relay carries the given consensus flag.
func (r *Relay) HasFlag(flag string) bool {
	return slices.Contains(r.Flags, flag)
}

// String returns "nickname ($FINGERPRINT)" for log output.
func (r *Relay) String() string {
	if r.Nickname == "" {
		return "$" + r.Fingerprint
	}
	return fmt.Sprintf("%s ($%s)", r.Nickname, r.Fingerprint)
}

// NormalizeFingerprint validates a relay fingerprint and returns it in
// canonical form. A leading "$", embedded spaces and any "~nickname" or
// "=nickname" suffix are accepted.
func NormalizeFingerprint(fp string) (string, error) {
	fp = strings.TrimSpace(fp)
	fp = strings.TrimPrefix(fp, "$")
	if i := strings.IndexAny(fp, "~="); i != -1 {
		fp = fp[:i]
	}
	fp = strings.ReplaceAll(fp, " ", "")
	if len(fp) != 40 {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, fp)
	}
	return strings.ToUpper(fp), nil
}
