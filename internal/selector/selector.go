// Package selector picks the exit relays a module is run against.
package selector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strings"

	"golang.org/x/text/cases"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/module"
)

// Resolver resolves destination host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options narrows the selection.
type Options struct {
	// Destinations are the module's targets. Empty means every relay qualifies.
	Destinations []module.Destination

	// Country restricts the selection to relays in this country.
	Country string

	// Fingerprint selects exactly this relay, bypassing policy matching.
	Fingerprint string

	// Resolver resolves destination hosts. Literal addresses are never
	// looked up. Required when a destination is a host name.
	Resolver Resolver

	// Countries is consulted for relays whose catalog record has no country.
	Countries catalog.CountryResolver

	// Rand shuffles the output. A nil Rand uses the global source.
	Rand *rand.Rand
}

// Target is a destination with its resolved address.
type Target struct {
	Destination module.Destination
	Addr        netip.Addr
}

// String returns "host (addr):port" for log output.
func (t Target) String() string {
	if t.Destination.Host == t.Addr.String() {
		return t.Destination.String()
	}
	return fmt.Sprintf("%s (%s):%d", t.Destination.Host, t.Addr, t.Destination.Port)
}

// Selection is the result of Select.
type Selection struct {
	// Exits is the shuffled list of qualifying relays.
	Exits []*catalog.Relay

	// Total is the number of relays in the catalog whose policy allows
	// exiting anywhere at all.
	Total int

	// Relays is the number of relays in the catalog.
	Relays int

	// Fingerprint is set when a single exit was requested by fingerprint.
	Fingerprint string

	// Targets are the resolved destinations the exits were matched against.
	Targets []Target
}

// Summary returns the diagnostic line describing the selection, such as
// "12 de exits out of all 1400 exit relays allow exiting to [example.com (93.184.216.34):443]".
//
// Without destinations every relay qualifies, so the count is reported
// against all relays instead.
func (s *Selection) Summary(country string) string {
	if s.Fingerprint != "" {
		return "using the single exit relay $" + s.Fingerprint
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d ", len(s.Exits))
	if country != "" {
		b.WriteString(foldCountry(country) + " ")
	}
	if len(s.Targets) == 0 {
		fmt.Fprintf(&b, "relays out of all %d relays selected, no destination declared", s.Relays)
		return b.String()
	}
	fmt.Fprintf(&b, "exits out of all %d exit relays allow exiting to [", s.Total)
	for i, t := range s.Targets {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteString("]")
	return b.String()
}

// Select returns the relays of cat that can reach every destination in opts,
// in random order.
func Select(ctx context.Context, cat *catalog.Catalog, opts Options) (*Selection, error) {
	sel := &Selection{Relays: cat.Len()}
	for _, r := range cat.Relays() {
		if r.Policy.AllowsAnyExit() {
			sel.Total++
		}
	}

	if opts.Fingerprint != "" {
		fp, err := catalog.NormalizeFingerprint(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		relay, ok := cat.Lookup(fp)
		if !ok {
			relay = &catalog.Relay{Fingerprint: fp}
		}
		sel.Exits = []*catalog.Relay{relay}
		sel.Fingerprint = fp
		return sel, nil
	}

	targets, err := resolve(ctx, opts.Resolver, opts.Destinations)
	if err != nil {
		return nil, err
	}
	sel.Targets = targets

	country := foldCountry(opts.Country)
	for _, r := range cat.Relays() {
		if !allowsAll(r, targets) {
			continue
		}
		if country != "" && relayCountry(ctx, r, opts.Countries) != country {
			continue
		}
		sel.Exits = append(sel.Exits, r)
	}

	shuffle := rand.Shuffle
	if opts.Rand != nil {
		shuffle = opts.Rand.Shuffle
	}
	shuffle(len(sel.Exits), func(i, j int) {
		sel.Exits[i], sel.Exits[j] = sel.Exits[j], sel.Exits[i]
	})

	return sel, nil
}

// resolve looks every destination host up once.
func resolve(ctx context.Context, resolver Resolver, dests []module.Destination) ([]Target, error) {
	targets := make([]Target, 0, len(dests))
	seen := make(map[string]netip.Addr, len(dests))

	for _, d := range dests {
		addr, ok := seen[d.Host]
		if !ok {
			var err error
			addr, err = lookup(ctx, resolver, d.Host)
			if err != nil {
				return nil, err
			}
			seen[d.Host] = addr
		}
		targets = append(targets, Target{Destination: d, Addr: addr})
	}
	return targets, nil
}

func lookup(ctx context.Context, resolver Resolver, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	if resolver == nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: no resolver", ErrUnresolvedDestination, host)
	}

	// Exit policies in the consensus describe IPv4 exiting.
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrUnresolvedDestination, host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnresolvedDestination, host)
	}
	return addrs[0].Unmap(), nil
}

func allowsAll(r *catalog.Relay, targets []Target) bool {
	for _, t := range targets {
		if !r.Policy.Allows(t.Addr, t.Destination.Port) {
			return false
		}
	}
	return true
}

func relayCountry(ctx context.Context, r *catalog.Relay, countries catalog.CountryResolver) string {
	if r.Country != "" {
		return foldCountry(r.Country)
	}
	if countries == nil || !r.Address.IsValid() {
		return ""
	}
	// An unknown country never matches a filter.
	cc, err := countries.CountryOf(ctx, r.Address)
	if err != nil {
		return ""
	}
	return foldCountry(cc)
}

func foldCountry(cc string) string {
	return cases.Fold().String(strings.TrimSpace(cc))
}
