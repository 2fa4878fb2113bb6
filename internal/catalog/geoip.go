package catalog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// CountryResolver maps an address to a lower-case 2-letter country code.
type CountryResolver interface {
	CountryOf(ctx context.Context, addr netip.Addr) (string, error)
}

// geoRange is one line of a Tor geoip file.
type geoRange struct {
	low, high uint32
	country   string
}

// GeoIP is an in-memory copy of Tor's IPv4 geoip database.
type GeoIP struct {
	ranges []geoRange
}

var _ CountryResolver = (*GeoIP)(nil)

// LoadGeoIP reads a Tor geoip file. Each line has the form
// "INTIPLOW,INTIPHIGH,CC"; lines starting with '#' are comments.
func LoadGeoIP(r io.Reader) (*GeoIP, error) {
	scanner := bufio.NewScanner(r)
	g := &GeoIP{}
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedGeoIP, lineNo)
		}
		low, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedGeoIP, lineNo, err)
		}
		high, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedGeoIP, lineNo, err)
		}

		g.ranges = append(g.ranges, geoRange{
			low:     uint32(low),
			high:    uint32(high),
			country: strings.ToLower(parts[2]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read geoip: %w", err)
	}

	sort.Slice(g.ranges, func(i, j int) bool {
		return g.ranges[i].low < g.ranges[j].low
	})

	return g, nil
}

// Len returns the number of ranges loaded.
func (g *GeoIP) Len() int {
	return len(g.ranges)
}

// CountryOf returns the country of an IPv4 address.
func (g *GeoIP) CountryOf(_ context.Context, addr netip.Addr) (string, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return "", fmt.Errorf("%w: %s", ErrUnknownCountry, addr)
	}
	b := addr.As4()
	ip := binary.BigEndian.Uint32(b[:])

	// First range whose upper bound is not below ip.
	i := sort.Search(len(g.ranges), func(i int) bool {
		return g.ranges[i].high >= ip
	})
	if i < len(g.ranges) && g.ranges[i].low <= ip {
		return g.ranges[i].country, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownCountry, addr)
}
