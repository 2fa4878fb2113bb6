package catalog

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
)

// TestGeoIP tests country lookup against Tor's geoip format.
func TestGeoIP(t *testing.T) {
	t.Parallel()

	// Ranges are deliberately out of order; LoadGeoIP sorts them.
	geo, err := LoadGeoIP(strings.NewReader(strings.Join([]string{
		"# Last updated based on October 2026 data.",
		"83886080,84017151,DE",
		"16777216,16777471,AU",
		"",
		"3758096384,3758096639,CN",
	}, "\n")))
	if err != nil {
		t.Fatalf("LoadGeoIP: %v", err)
	}
	if geo.Len() != 3 {
		t.Fatalf("Len() = %d, expected 3", geo.Len())
	}

	testCases := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "1.0.0.0", want: "au"},
		{addr: "1.0.0.255", want: "au"},
		{addr: "5.0.0.9", want: "de"},
		{addr: "224.0.0.1", want: "cn"},
		{addr: "1.0.1.0", wantErr: true},
		{addr: "0.0.0.1", wantErr: true},
		{addr: "255.255.255.255", wantErr: true},
		{addr: "2001:db8::1", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			t.Parallel()
			got, err := geo.CountryOf(context.Background(), netip.MustParseAddr(tc.addr))
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownCountry) {
					t.Errorf("expected ErrUnknownCountry, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("CountryOf(%s) = %q, %v; expected %q", tc.addr, got, err, tc.want)
			}
		})
	}

	t.Run("malformed line", func(t *testing.T) {
		t.Parallel()
		_, err := LoadGeoIP(strings.NewReader("1,2\n"))
		if !errors.Is(err, ErrMalformedGeoIP) {
			t.Errorf("expected ErrMalformedGeoIP, got %v", err)
		}
	})
}
