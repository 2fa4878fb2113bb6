package module

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/tor"
)

// Invocation describes the live path a probe runs over. One is created per
// circuit whose stream was attached successfully and is never reused.
type Invocation struct {
	// Module is the name of the module being run.
	Module string

	// Exit is the exit relay at the end of the circuit.
	Exit *catalog.Relay

	// CircuitID and StreamID identify the circuit and the stream that
	// confirmed it works.
	CircuitID string
	StreamID  string

	// SocksAddr is Tor's SOCKS port.
	SocksAddr string

	// Dialer opens connections that are attached to CircuitID. It is nil
	// when the scan has no SOCKS port.
	Dialer proxy.ContextDialer

	// Logger is scoped to this exit.
	Logger *slog.Logger
}

// HTTPClient returns an HTTP client whose requests leave through the exit.
func (inv *Invocation) HTTPClient(timeout time.Duration) (*http.Client, error) {
	if inv.Dialer == nil {
		return nil, ErrNoDialer
	}
	return tor.NewHTTPClient(inv.Dialer, timeout), nil
}

// Log returns the invocation's logger, or slog.Default if none was set.
func (inv *Invocation) Log() *slog.Logger {
	if inv.Logger == nil {
		return slog.Default()
	}
	return inv.Logger
}
