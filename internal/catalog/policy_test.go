package catalog

import (
	"errors"
	"net/netip"
	"testing"
)

// TestParseRule tests parsing of descriptor policy lines.
func TestParseRule(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		line    string
		want    Rule
		wantErr bool
	}{
		{
			name: "accept all",
			line: "accept *:*",
			want: Rule{Accept: true, Any: true, MinPort: 1, MaxPort: 65535},
		},
		{
			name: "reject single port",
			line: "reject *:25",
			want: Rule{Any: true, MinPort: 25, MaxPort: 25},
		},
		{
			name: "accept prefix and range",
			line: "accept 10.0.0.0/8:80-443",
			want: Rule{Accept: true, Prefix: netip.MustParsePrefix("10.0.0.0/8"), MinPort: 80, MaxPort: 443},
		},
		{
			name: "legacy netmask",
			line: "reject 192.168.0.0/255.255.0.0:*",
			want: Rule{Prefix: netip.MustParsePrefix("192.168.0.0/16"), MinPort: 1, MaxPort: 65535},
		},
		{
			name: "single host",
			line: "reject 1.2.3.4:*",
			want: Rule{Prefix: netip.MustParsePrefix("1.2.3.4/32"), MinPort: 1, MaxPort: 65535},
		},
		{
			name: "private",
			line: "reject private:*",
			want: Rule{Private: true, MinPort: 1, MaxPort: 65535},
		},
		{
			name: "ipv6 with brackets",
			line: "accept6 [2001:db8::]/32:443",
			want: Rule{Accept: true, Family: Family6, Prefix: netip.MustParsePrefix("2001:db8::/32"), MinPort: 443, MaxPort: 443},
		},
		{
			name: "ipv4 wildcard",
			line: "reject *4:*",
			want: Rule{Any: true, Family: Family4, MinPort: 1, MaxPort: 65535},
		},
		{
			name: "ipv6 wildcard",
			line: "reject *6:*",
			want: Rule{Any: true, Family: Family6, MinPort: 1, MaxPort: 65535},
		},
		{
			name: "ipv6 keyword with plain wildcard",
			line: "accept6 *:443",
			want: Rule{Accept: true, Any: true, Family: Family6, MinPort: 443, MaxPort: 443},
		},
		{name: "ipv6 keyword with ipv4 wildcard", line: "reject6 *4:*", wantErr: true},
		{name: "unknown keyword", line: "allow *:*", wantErr: true},
		{name: "missing port", line: "accept 1.2.3.4", wantErr: true},
		{name: "bad port", line: "accept *:http", wantErr: true},
		{name: "inverted range", line: "accept *:443-80", wantErr: true},
		{name: "bad address", line: "accept 1.2.3:*", wantErr: true},
		{name: "too many fields", line: "accept *:* extra", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRule(tc.line)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedPolicy) {
					t.Fatalf("ParseRule(%q) error = %v, expected ErrMalformedPolicy", tc.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule(%q) unexpected error: %v", tc.line, err)
			}
			if got != tc.want {
				t.Errorf("ParseRule(%q) = %+v, expected %+v", tc.line, got, tc.want)
			}
		})
	}
}

// TestExitPolicyAllows tests first-match-wins evaluation with default reject.
func TestExitPolicyAllows(t *testing.T) {
	t.Parallel()

	policy, err := ParsePolicy([]string{
		"reject private:*",
		"reject 93.184.216.0/24:25",
		"accept 93.184.216.0/24:*",
		"accept *:443",
		"reject *:*",
	})
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}

	testCases := []struct {
		name string
		addr string
		port uint16
		want bool
	}{
		{"private address rejected first", "10.1.2.3", 443, false},
		{"specific reject beats later accept", "93.184.216.34", 25, false},
		{"prefix accept", "93.184.216.34", 8080, true},
		{"wildcard port accept", "198.51.100.7", 443, true},
		{"catch-all reject", "198.51.100.7", 80, false},
		{"ipv4-mapped address is unmapped", "::ffff:93.184.216.34", 80, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := policy.Allows(netip.MustParseAddr(tc.addr), tc.port)
			if got != tc.want {
				t.Errorf("Allows(%s, %d) = %v, expected %v", tc.addr, tc.port, got, tc.want)
			}
		})
	}

	t.Run("empty policy rejects everything", func(t *testing.T) {
		t.Parallel()
		if (ExitPolicy{}).Allows(netip.MustParseAddr("198.51.100.7"), 80) {
			t.Error("expected empty policy to reject")
		}
	})
}

// TestExitPolicyAllowsFamily tests that family-restricted rules only match
// their own IP version.
func TestExitPolicyAllowsFamily(t *testing.T) {
	t.Parallel()

	v4 := netip.MustParseAddr("93.184.216.34")
	v6 := netip.MustParseAddr("2001:db8::1")

	testCases := []struct {
		name  string
		lines []string
		addr  netip.Addr
		want  bool
	}{
		{"ipv6 reject skips ipv4", []string{"reject *6:*", "accept *:443"}, v4, true},
		{"ipv6 reject applies to ipv6", []string{"reject *6:*", "accept *:443"}, v6, false},
		{"ipv4 reject skips ipv6", []string{"reject *4:*", "accept *:443"}, v6, true},
		{"ipv4 reject applies to ipv4", []string{"reject *4:*", "accept *:443"}, v4, false},
		{"accept6 does not accept ipv4", []string{"accept6 *:443", "reject *:*"}, v4, false},
		{"accept6 accepts ipv6", []string{"accept6 *:443", "reject *:*"}, v6, true},
		{"reject6 does not reject ipv4", []string{"reject6 *:*", "accept *:*"}, v4, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			policy, err := ParsePolicy(tc.lines)
			if err != nil {
				t.Fatalf("ParsePolicy: %v", err)
			}
			if got := policy.Allows(tc.addr, 443); got != tc.want {
				t.Errorf("Allows(%s, 443) = %v, expected %v", tc.addr, got, tc.want)
			}
		})
	}
}

// TestParsePortSummary tests conversion of consensus "p" lines.
func TestParsePortSummary(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("198.51.100.7")

	t.Run("accept list rejects the rest", func(t *testing.T) {
		t.Parallel()

		policy, err := ParsePortSummary("accept 80,443,6660-6669")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, port := range []uint16{80, 443, 6660, 6669} {
			if !policy.Allows(addr, port) {
				t.Errorf("expected port %d to be accepted", port)
			}
		}
		for _, port := range []uint16{22, 6670} {
			if policy.Allows(addr, port) {
				t.Errorf("expected port %d to be rejected", port)
			}
		}
	})

	t.Run("reject list accepts the rest", func(t *testing.T) {
		t.Parallel()

		policy, err := ParsePortSummary("reject 1-1024")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if policy.Allows(addr, 443) {
			t.Error("expected port 443 to be rejected")
		}
		if !policy.Allows(addr, 8080) {
			t.Error("expected port 8080 to be accepted")
		}
	})

	t.Run("malformed summaries", func(t *testing.T) {
		t.Parallel()

		for _, s := range []string{"", "accept", "permit 80", "accept 80,x"} {
			if _, err := ParsePortSummary(s); !errors.Is(err, ErrMalformedPolicy) {
				t.Errorf("ParsePortSummary(%q) error = %v, expected ErrMalformedPolicy", s, err)
			}
		}
	})
}

// TestExitPolicyAllowsAnyExit tests detection of exit-capable policies.
func TestExitPolicyAllowsAnyExit(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		lines []string
		want  bool
	}{
		{"reject all", []string{"reject *:*"}, false},
		{"empty", nil, false},
		{"accept after private reject", []string{"reject private:*", "accept *:80", "reject *:*"}, true},
		{"accept only private", []string{"accept private:*", "reject *:*"}, false},
		{"accept after reject all is dead", []string{"reject *:*", "accept *:80"}, false},
		{"ipv6 reject all leaves ipv4 open", []string{"reject *6:*", "accept *:80"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			policy, err := ParsePolicy(tc.lines)
			if err != nil {
				t.Fatalf("ParsePolicy: %v", err)
			}
			if got := policy.AllowsAnyExit(); got != tc.want {
				t.Errorf("AllowsAnyExit() = %v, expected %v", got, tc.want)
			}
		})
	}
}

// TestRuleString tests that rules format back to descriptor syntax.
func TestRuleString(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"accept *:*",
		"reject *:25",
		"accept 10.0.0.0/8:80-443",
		"reject private:*",
		"reject 1.2.3.4:*",
		"reject *4:*",
		"accept *6:443",
	} {
		rule, err := ParseRule(line)
		if err != nil {
			t.Fatalf("ParseRule(%q): %v", line, err)
		}
		if rule.String() != line {
			t.Errorf("String() = %q, expected %q", rule.String(), line)
		}
	}
}
