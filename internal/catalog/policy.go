package catalog

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// privatePrefixes are the ranges matched by the "private" address pattern.
var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::1/128"),
}

// Family restricts a rule to one IP version.
type Family int

const (
	// FamilyAny matches IPv4 and IPv6 addresses.
	FamilyAny Family = iota
	// Family4 matches IPv4 addresses only ("*4").
	Family4
	// Family6 matches IPv6 addresses only ("*6", "accept6", "reject6").
	Family6
)

func (f Family) matches(addr netip.Addr) bool {
	switch f {
	case Family4:
		return addr.Is4()
	case Family6:
		return addr.Is6()
	default:
		return true
	}
}

// Rule is one accept or reject line of an exit policy.
type Rule struct {
	// Accept is true for "accept" rules and false for "reject" rules.
	Accept bool

	// Any matches every address of Family ("*", "*4", "*6").
	Any bool

	// Family limits the rule to one IP version.
	Family Family

	// Private matches the private address ranges ("private").
	Private bool

	// Prefix is the matched address range when neither Any nor Private is set.
	Prefix netip.Prefix

	// MinPort and MaxPort bound the matched port range, inclusive.
	MinPort uint16
	MaxPort uint16
}

// Matches reports whether the rule applies to the given destination.
func (r Rule) Matches(addr netip.Addr, port uint16) bool {
	if port < r.MinPort || port > r.MaxPort {
		return false
	}
	addr = addr.Unmap()
	if !r.Family.matches(addr) {
		return false
	}
	switch {
	case r.Any:
		return true
	case r.Private:
		return isPrivate(addr)
	default:
		return r.Prefix.Contains(addr)
	}
}

// String formats the rule the way server descriptors do.
func (r Rule) String() string {
	verb := "reject"
	if r.Accept {
		verb = "accept"
	}

	var target string
	switch {
	case r.Any && r.Family == Family4:
		target = "*4"
	case r.Any && r.Family == Family6:
		target = "*6"
	case r.Any:
		target = "*"
	case r.Private:
		target = "private"
	case r.Prefix.Addr().Is6():
		target = "[" + r.Prefix.Addr().String() + "]"
		if r.Prefix.Bits() != 128 {
			target += "/" + strconv.Itoa(r.Prefix.Bits())
		}
	default:
		target = r.Prefix.Addr().String()
		if r.Prefix.Bits() != 32 {
			target += "/" + strconv.Itoa(r.Prefix.Bits())
		}
	}

	var ports string
	switch {
	case r.MinPort <= 1 && r.MaxPort == 65535:
		ports = "*"
	case r.MinPort == r.MaxPort:
		ports = strconv.Itoa(int(r.MinPort))
	default:
		ports = fmt.Sprintf("%d-%d", r.MinPort, r.MaxPort)
	}

	return verb + " " + target + ":" + ports
}

// ExitPolicy is an ordered list of rules. The first matching rule decides,
// and a destination no rule matches is rejected.
type ExitPolicy []Rule

// Allows reports whether the policy permits exiting to addr:port.
func (p ExitPolicy) Allows(addr netip.Addr, port uint16) bool {
	for _, rule := range p {
		if rule.Matches(addr, port) {
			return rule.Accept
		}
	}
	return false
}

// AllowsAnyExit reports whether some public destination is accepted, that
// is whether an accept rule for non-private addresses comes before a rule
// rejecting everything.
func (p ExitPolicy) AllowsAnyExit() bool {
	for _, rule := range p {
		if rule.Accept && !rule.Private {
			return true
		}
		if !rule.Accept && rule.Any && rule.Family == FamilyAny && rule.MinPort <= 1 && rule.MaxPort == 65535 {
			return false
		}
	}
	return false
}

// String joins the rules with ", ".
func (p ExitPolicy) String() string {
	parts := make([]string, len(p))
	for i, rule := range p {
		parts[i] = rule.String()
	}
	return strings.Join(parts, ", ")
}

// ParseRule parses a descriptor policy line such as "accept 10.0.0.0/8:80-443".
// "accept6" and "reject6" lines only apply to IPv6 destinations.
func ParseRule(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Rule{}, fmt.Errorf("%w: %q", ErrMalformedPolicy, line)
	}

	var rule Rule
	switch fields[0] {
	case "accept":
		rule.Accept = true
	case "accept6":
		rule.Accept = true
		rule.Family = Family6
	case "reject":
	case "reject6":
		rule.Family = Family6
	default:
		return Rule{}, fmt.Errorf("%w: unknown keyword in %q", ErrMalformedPolicy, line)
	}

	pattern := fields[1]
	sep := strings.LastIndex(pattern, ":")
	if sep == -1 {
		return Rule{}, fmt.Errorf("%w: missing port in %q", ErrMalformedPolicy, line)
	}

	if err := parseAddrPattern(&rule, pattern[:sep]); err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrMalformedPolicy, line, err)
	}

	minPort, maxPort, err := parsePortRange(pattern[sep+1:])
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrMalformedPolicy, line, err)
	}
	rule.MinPort, rule.MaxPort = minPort, maxPort

	return rule, nil
}

// ParsePolicy parses one rule per line and ignores blank lines.
func ParsePolicy(lines []string) (ExitPolicy, error) {
	policy := make(ExitPolicy, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rule, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		policy = append(policy, rule)
	}
	return policy, nil
}

// ParsePortSummary converts a consensus "p" line body such as
// "accept 80,443" or "reject 1-1024" into an address-agnostic policy.
func ParsePortSummary(summary string) (ExitPolicy, error) {
	verb, list, ok := strings.Cut(strings.TrimSpace(summary), " ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPolicy, summary)
	}

	var accept bool
	switch verb {
	case "accept":
		accept = true
	case "reject":
	default:
		return nil, fmt.Errorf("%w: unknown keyword in %q", ErrMalformedPolicy, summary)
	}

	entries := strings.Split(strings.TrimSpace(list), ",")
	policy := make(ExitPolicy, 0, len(entries)+1)
	for _, entry := range entries {
		minPort, maxPort, err := parsePortRange(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedPolicy, summary, err)
		}
		policy = append(policy, Rule{Accept: accept, Any: true, MinPort: minPort, MaxPort: maxPort})
	}

	// The summary lists the exceptions; everything else gets the opposite verdict.
	policy = append(policy, Rule{Accept: !accept, Any: true, MinPort: 1, MaxPort: 65535})

	return policy, nil
}

// parseAddrPattern fills the address part of a rule.
func parseAddrPattern(rule *Rule, pattern string) error {
	switch pattern {
	case "*":
		rule.Any = true
		return nil
	case "*4":
		if rule.Family == Family6 {
			return fmt.Errorf("%q in an IPv6 rule", pattern)
		}
		rule.Any = true
		rule.Family = Family4
		return nil
	case "*6":
		rule.Any = true
		rule.Family = Family6
		return nil
	case "private":
		rule.Private = true
		return nil
	}

	addrPart, maskPart, hasMask := strings.Cut(pattern, "/")
	addrPart = strings.TrimSuffix(strings.TrimPrefix(addrPart, "["), "]")

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return err
	}

	bits := addr.BitLen()
	if hasMask {
		bits, err = parseMask(maskPart, addr.BitLen())
		if err != nil {
			return err
		}
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return err
	}
	rule.Prefix = prefix

	return nil
}

// parseMask accepts both "/24" and the legacy "/255.255.255.0" notation.
func parseMask(mask string, maxBits int) (int, error) {
	if strings.Contains(mask, ".") {
		m, err := netip.ParseAddr(mask)
		if err != nil || !m.Is4() {
			return 0, fmt.Errorf("invalid netmask %q", mask)
		}
		b := m.As4()
		bits := 0
		for _, octet := range b {
			for i := 7; i >= 0; i-- {
				if octet&(1<<i) == 0 {
					return bits, nil
				}
				bits++
			}
		}
		return bits, nil
	}

	bits, err := strconv.Atoi(mask)
	if err != nil || bits < 0 || bits > maxBits {
		return 0, fmt.Errorf("invalid prefix length %q", mask)
	}
	return bits, nil
}

// parsePortRange parses "*", "80" or "1000-2000".
func parsePortRange(s string) (uint16, uint16, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return 1, 65535, nil
	}

	lo, hi, isRange := strings.Cut(s, "-")
	minPort, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", lo)
	}
	maxPort := minPort
	if isRange {
		maxPort, err = strconv.ParseUint(hi, 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", hi)
		}
	}
	if minPort > maxPort {
		return 0, 0, fmt.Errorf("inverted port range %q", s)
	}

	return uint16(minPort), uint16(maxPort), nil
}

func isPrivate(addr netip.Addr) bool {
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
