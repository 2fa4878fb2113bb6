package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// Catalog is an immutable set of relays indexed by fingerprint.
type Catalog struct {
	relays        []*Relay
	byFingerprint map[string]*Relay
}

// New builds a catalog from relay records. When a fingerprint appears more
// than once, the first record wins.
func New(relays []*Relay) *Catalog {
	c := &Catalog{
		relays:        make([]*Relay, 0, len(relays)),
		byFingerprint: make(map[string]*Relay, len(relays)),
	}
	for _, r := range relays {
		if _, dup := c.byFingerprint[r.Fingerprint]; dup {
			continue
		}
		c.byFingerprint[r.Fingerprint] = r
		c.relays = append(c.relays, r)
	}
	return c
}

// Relays returns the relays in consensus order. The slice is a copy; the
// records are shared.
func (c *Catalog) Relays() []*Relay {
	out := make([]*Relay, len(c.relays))
	copy(out, c.relays)
	return out
}

// Len returns the number of relays.
func (c *Catalog) Len() int {
	return len(c.relays)
}

// Lookup returns the relay with the given fingerprint. The fingerprint may
// be in any form NormalizeFingerprint accepts.
func (c *Catalog) Lookup(fingerprint string) (*Relay, bool) {
	fp, err := NormalizeFingerprint(fingerprint)
	if err != nil {
		return nil, false
	}
	r, ok := c.byFingerprint[fp]
	return r, ok
}

// Contains reports whether the catalog lists the fingerprint.
func (c *Catalog) Contains(fingerprint string) bool {
	_, ok := c.Lookup(fingerprint)
	return ok
}

// Sources names the files a catalog is built from. Only ConsensusPath is
// required.
type Sources struct {
	// ConsensusPath is the network-status consensus.
	ConsensusPath string

	// DescriptorsPath is an optional server descriptor file whose full exit
	// policies replace the consensus port summaries.
	DescriptorsPath string

	// GeoIPPath is an optional Tor geoip file used to set Relay.Country.
	GeoIPPath string
}

// CheckPath verifies that a consensus snapshot exists and is a non-empty
// regular file.
func CheckPath(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrConsensusNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to check consensus path: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotAFile, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyConsensus, path)
	}
	return nil
}

// Load reads the consensus and the optional descriptor and GeoIP files
// concurrently and returns the merged catalog.
func Load(ctx context.Context, src Sources) (*Catalog, error) {
	if err := CheckPath(src.ConsensusPath); err != nil {
		return nil, err
	}

	var (
		relays   []*Relay
		policies map[string]ExitPolicy
		geo      *GeoIP
	)

	var g errgroup.Group

	g.Go(func() error {
		var err error
		relays, err = parseFile(src.ConsensusPath, ParseConsensus)
		return err
	})

	if src.DescriptorsPath != "" {
		g.Go(func() error {
			var err error
			policies, err = parseFile(src.DescriptorsPath, ParseDescriptors)
			return err
		})
	}

	if src.GeoIPPath != "" {
		g.Go(func() error {
			var err error
			geo, err = parseFile(src.GeoIPPath, LoadGeoIP)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range relays {
		if policy, ok := policies[r.Fingerprint]; ok {
			r.Policy = policy
		}
		if geo != nil {
			// Unknown addresses simply keep an empty country.
			if cc, err := geo.CountryOf(ctx, r.Address); err == nil {
				r.Country = cc
			}
		}
	}

	return New(relays), nil
}

// parseFile opens path and hands it to parse.
func parseFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T

	f, err := os.Open(path) //nolint:gosec // Paths come from the operator's command line
	if err != nil {
		return zero, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	v, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
