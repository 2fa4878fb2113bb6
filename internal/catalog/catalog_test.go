package catalog

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	fpAlpha = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	fpBravo = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	fpDelta = "DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"
)

// identity encodes a hex fingerprint the way consensus "r" lines do.
func identity(t *testing.T, fp string) string {
	t.Helper()
	b, err := hex.DecodeString(fp)
	if err != nil {
		t.Fatalf("bad fingerprint %q: %v", fp, err)
	}
	return base64.RawStdEncoding.EncodeToString(b)
}

// testConsensus returns a small ns-flavoured consensus.
func testConsensus(t *testing.T) string {
	t.Helper()
	return strings.Join([]string{
		"network-status-version 3",
		"vote-status consensus",
		fmt.Sprintf("r alpha %s digestdigestdigestdigestdig 2026-10-19 10:00:00 1.0.0.1 9001 0", identity(t, fpAlpha)),
		"s Exit Fast Running Valid",
		"p accept 80,443",
		fmt.Sprintf("r bravo %s digestdigestdigestdigestdig 2026-10-19 10:00:00 1.0.0.2 443 80", identity(t, fpBravo)),
		"s Fast Guard Running Valid",
		"p reject 1-65535",
		fmt.Sprintf("r delta %s 2026-10-19 10:00:00 5.0.0.9 9001 0", identity(t, fpDelta)),
		"s Exit Running",
		"directory-footer",
		"p accept 1-65535",
		"",
	}, "\n")
}

// TestParseConsensus tests extraction of router entries.
func TestParseConsensus(t *testing.T) {
	t.Parallel()

	relays, err := ParseConsensus(strings.NewReader(testConsensus(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(relays) != 3 {
		t.Fatalf("expected 3 relays, got %d", len(relays))
	}

	t.Run("ns flavour entry", func(t *testing.T) {
		t.Parallel()
		r := relays[0]
		if r.Fingerprint != fpAlpha || r.Nickname != "alpha" {
			t.Errorf("unexpected identity: %s", r)
		}
		if r.Address != netip.MustParseAddr("1.0.0.1") || r.ORPort != 9001 {
			t.Errorf("unexpected address: %s:%d", r.Address, r.ORPort)
		}
		if !r.HasFlag(FlagExit) {
			t.Error("expected Exit flag")
		}
		if !r.Policy.Allows(netip.MustParseAddr("8.8.8.8"), 443) {
			t.Error("expected port 443 to be accepted")
		}
	})

	t.Run("microdesc flavour entry without p line rejects all", func(t *testing.T) {
		t.Parallel()
		r := relays[2]
		if r.Fingerprint != fpDelta {
			t.Errorf("Fingerprint = %s, expected %s", r.Fingerprint, fpDelta)
		}
		if r.Policy.AllowsAnyExit() {
			t.Error("expected footer p line to be ignored")
		}
	})

	t.Run("empty document", func(t *testing.T) {
		t.Parallel()
		_, err := ParseConsensus(strings.NewReader("network-status-version 3\n"))
		if !errors.Is(err, ErrEmptyConsensus) {
			t.Errorf("expected ErrEmptyConsensus, got %v", err)
		}
	})

	t.Run("malformed router line", func(t *testing.T) {
		t.Parallel()
		_, err := ParseConsensus(strings.NewReader("r broken line\n"))
		if !errors.Is(err, ErrMalformedConsensus) {
			t.Errorf("expected ErrMalformedConsensus, got %v", err)
		}
	})
}

// TestParseDescriptors tests extraction of full exit policies.
func TestParseDescriptors(t *testing.T) {
	t.Parallel()

	doc := strings.Join([]string{
		"@downloaded-at 2026-10-19 10:00:00",
		"router alpha 1.0.0.1 9001 0 0",
		"fingerprint AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA",
		"reject 93.184.216.0/24:*",
		"accept *:443",
		"reject *:*",
		"router-signature",
		"router nofp 1.0.0.3 9001 0 0",
		"accept *:*",
		"router-signature",
	}, "\n")

	policies, err := ParseDescriptors(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	policy := policies[fpAlpha]
	if len(policy) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(policy))
	}
	if policy.Allows(netip.MustParseAddr("93.184.216.34"), 443) {
		t.Error("expected address-specific reject to apply")
	}
	if !policy.Allows(netip.MustParseAddr("8.8.8.8"), 443) {
		t.Error("expected port 443 to be accepted elsewhere")
	}
}

// TestCheckPath tests consensus path validation.
func TestCheckPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		err := CheckPath(filepath.Join(dir, "missing"))
		if !errors.Is(err, ErrConsensusNotFound) {
			t.Errorf("expected ErrConsensusNotFound, got %v", err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		t.Parallel()
		if err := CheckPath(dir); !errors.Is(err, ErrNotAFile) {
			t.Errorf("expected ErrNotAFile, got %v", err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "empty")
		if err := os.WriteFile(path, nil, 0600); err != nil {
			t.Fatal(err)
		}
		if err := CheckPath(path); !errors.Is(err, ErrEmptyConsensus) {
			t.Errorf("expected ErrEmptyConsensus, got %v", err)
		}
	})
}

// TestLoad tests merging consensus, descriptors and geoip.
func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	src := Sources{
		ConsensusPath: write("cached-consensus", testConsensus(t)),
		DescriptorsPath: write("cached-descriptors", strings.Join([]string{
			"router alpha 1.0.0.1 9001 0 0",
			"fingerprint " + fpAlpha,
			"accept *:22",
			"reject *:*",
			"router-signature",
		}, "\n")),
		GeoIPPath: write("geoip", "# comment\n16777216,16777471,AU\n83886080,84017151,DE\n"),
	}

	cat, err := Load(context.Background(), src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("Len() = %d, expected 3", cat.Len())
	}

	alpha, ok := cat.Lookup("$" + strings.ToLower(fpAlpha) + "~alpha")
	if !ok {
		t.Fatal("expected alpha to be found with a decorated fingerprint")
	}
	if !alpha.Policy.Allows(netip.MustParseAddr("8.8.8.8"), 22) || alpha.Policy.Allows(netip.MustParseAddr("8.8.8.8"), 443) {
		t.Errorf("expected descriptor policy to replace summary, got %s", alpha.Policy)
	}
	if alpha.Country != "au" {
		t.Errorf("alpha.Country = %q, expected au", alpha.Country)
	}

	delta, _ := cat.Lookup(fpDelta)
	if delta.Country != "de" {
		t.Errorf("delta.Country = %q, expected de", delta.Country)
	}

	if cat.Contains("CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC") {
		t.Error("expected unknown fingerprint to be absent")
	}

	t.Run("missing consensus", func(t *testing.T) {
		t.Parallel()
		_, err := Load(context.Background(), Sources{ConsensusPath: filepath.Join(dir, "nope")})
		if !errors.Is(err, ErrConsensusNotFound) {
			t.Errorf("expected ErrConsensusNotFound, got %v", err)
		}
	})
}

// TestNew tests duplicate handling.
func TestNew(t *testing.T) {
	t.Parallel()

	first := &Relay{Fingerprint: fpAlpha, Nickname: "first"}
	cat := New([]*Relay{first, {Fingerprint: fpAlpha, Nickname: "second"}})
	if cat.Len() != 1 {
		t.Fatalf("Len() = %d, expected 1", cat.Len())
	}
	if r, _ := cat.Lookup(fpAlpha); r != first {
		t.Errorf("expected first record to win, got %s", r)
	}
}

// TestNormalizeFingerprint tests fingerprint validation.
func TestNormalizeFingerprint(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: fpAlpha, want: fpAlpha},
		{in: "$" + strings.ToLower(fpBravo), want: fpBravo},
		{in: "$" + fpBravo + "=bravo", want: fpBravo},
		{in: "AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA", want: fpAlpha},
		{in: "short", wantErr: true},
		{in: strings.Repeat("Z", 40), wantErr: true},
	}

	for _, tc := range testCases {
		got, err := NormalizeFingerprint(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidFingerprint) {
				t.Errorf("NormalizeFingerprint(%q) error = %v, expected ErrInvalidFingerprint", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeFingerprint(%q) = %q, %v; expected %q", tc.in, got, err, tc.want)
		}
	}
}
