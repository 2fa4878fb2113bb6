package tor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// checkProxyTimeout bounds the SOCKS handshake done by CheckSOCKS.
const checkProxyTimeout = 2 * time.Second

// SOCKS5 protocol constants
const (
	socks5Version      = 0x05
	socks5AuthNone     = 0x00
	socks5AuthNoAccept = 0xFF
)

// CircuitDialer dials through Tor's SOCKS port and reports the local port
// of every connection it opens to the SOCKS port. Tor includes that port
// as SOURCE_ADDR in the STREAM NEW event, which is how the stream is
// matched to the circuit it has to be attached to.
//
// The port is reported before the SOCKS request is written, so the event
// can never arrive before the caller knows about the connection.
type CircuitDialer struct {
	socksAddr string
	dialer    proxy.ContextDialer
}

var (
	_ proxy.Dialer        = (*CircuitDialer)(nil)
	_ proxy.ContextDialer = (*CircuitDialer)(nil)
)

// NewCircuitDialer creates a dialer for the SOCKS5 proxy at socksAddr.
// onConnect, if not nil, is called with the local port of each new
// connection to the proxy.
func NewCircuitDialer(socksAddr string, onConnect func(localPort uint16)) (*CircuitDialer, error) {
	if !isValidProxyAddress(socksAddr) {
		return nil, ErrInvalidProxyAddress
	}

	forward := &portReportingDialer{onConnect: onConnect}

	// Tor's SOCKS port does not require authentication.
	d, err := proxy.SOCKS5("tcp", socksAddr, nil, forward)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	return &CircuitDialer{socksAddr: socksAddr, dialer: cd}, nil
}

// Dial connects to address through the proxy.
func (d *CircuitDialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.DialContext(context.Background(), network, address)
}

// DialContext connects to address through the proxy. It returns once Tor
// reports the stream as connected, that is after the controller attached
// it to a circuit and the exit relay opened the connection.
func (d *CircuitDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, address)
}

// SocksAddr returns the proxy address.
func (d *CircuitDialer) SocksAddr() string {
	return d.socksAddr
}

// portReportingDialer is the forward dialer used to reach the SOCKS port.
type portReportingDialer struct {
	d         net.Dialer
	onConnect func(uint16)
}

func (f *portReportingDialer) Dial(network, address string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, address)
}

func (f *portReportingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok && f.onConnect != nil {
		f.onConnect(uint16(tcp.Port)) //nolint:gosec // TCP ports fit in 16 bits
	}
	return conn, nil
}

// NewHTTPClient returns an HTTP client whose connections are made with d.
//
// Certificates are verified: a probe must notice an exit relay that
// intercepts TLS. Keep-alives are off so that no connection outlives the
// circuit it was attached to.
func NewHTTPClient(d proxy.ContextDialer, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext:        d.DialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
		MaxIdleConns:       1,
		IdleConnTimeout:    10 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// CheckSOCKS verifies that addr speaks SOCKS5 without authentication. It
// only performs method negotiation: with streams left unattached no test
// connection could complete.
func CheckSOCKS(ctx context.Context, addr string) ProxyStatus {
	if !isValidProxyAddress(addr) {
		return ProxyStatusCannotConnect
	}

	ctx, cancel := context.WithTimeout(ctx, checkProxyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(checkProxyTimeout)); err != nil {
		return ProxyStatusCannotConnect
	}

	// Greeting: version, one method, "no authentication".
	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ProxyStatusCannotConnect
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ProxyStatusTimeout
		}
		return ProxyStatusWrongType
	}

	if resp[0] != socks5Version || resp[1] == socks5AuthNoAccept || resp[1] != socks5AuthNone {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

// isValidProxyAddress checks that address is "host:port" with a non-empty
// host and a port between 1 and 65535.
func isValidProxyAddress(address string) bool {
	parts := strings.Split(address, ":")
	if len(parts) != 2 {
		return false
	}

	host, port := parts[0], parts[1]
	if host == "" || port == "" {
		return false
	}

	portNum := 0
	for _, c := range port {
		if c < '0' || c > '9' {
			return false
		}
		portNum = portNum*10 + int(c-'0')
		if portNum > 65535 {
			return false
		}
	}

	return portNum >= 1
}
