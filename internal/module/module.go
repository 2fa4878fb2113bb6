package module

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/nao1215/exitscan/internal/model"
)

// Destination is a host and port a module connects to through the exit.
type Destination struct {
	Host string
	Port uint16
}

// String returns "host:port".
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// DestinationFromURL derives the destination of an http or https URL.
func DestinationFromURL(rawURL string) (Destination, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Destination{}, err
	}
	if u.Hostname() == "" {
		return Destination{}, fmt.Errorf("url %q has no host", rawURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return Destination{}, fmt.Errorf("url %q: unsupported scheme %q", rawURL, u.Scheme)
		}
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return Destination{}, fmt.Errorf("url %q: invalid port %q", rawURL, port)
	}

	return Destination{Host: u.Hostname(), Port: uint16(n)}, nil
}

// Module is a probe that runs against one exit relay at a time.
type Module interface {
	// Name is the name used on the command line.
	Name() string

	// Description is a one-line summary for the modules command.
	Description() string

	// Destinations lists what the probe connects to. Only exits whose
	// policy allows all of them are probed. An empty list means every
	// relay in the catalog qualifies.
	Destinations() []Destination

	// Probe measures the exit described by inv. It is called on its own
	// goroutine, at most once per exit and module run. A returned error
	// means the measurement could not be made.
	Probe(ctx context.Context, inv *Invocation) (*Result, error)
}

// Preparer is implemented by modules that need to do work once before any
// circuit is built, such as fetching a reference copy of a document.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Result is what a probe reports about an exit.
type Result struct {
	Verdict model.Verdict
	Detail  string
}

// Clean returns a result for an exit that behaved as expected.
func Clean(detail string) *Result {
	return &Result{Verdict: model.VerdictClean, Detail: detail}
}

// Suspicious returns a result for an exit that misbehaved.
func Suspicious(format string, args ...any) *Result {
	return &Result{Verdict: model.VerdictSuspicious, Detail: fmt.Sprintf(format, args...)}
}
