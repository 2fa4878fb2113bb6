package module

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nao1215/exitscan/internal/catalog"
	"github.com/nao1215/exitscan/internal/model"
)

func directInvocation(exit string) *Invocation {
	return &Invocation{
		Module: "test",
		Exit: &catalog.Relay{
			Fingerprint: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
			Nickname:    "exit",
			Address:     netip.MustParseAddr(exit),
		},
		CircuitID: "7",
		Dialer:    proxy.Direct,
	}
}

func checkPageServer(t *testing.T, title, addr string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<!doctype html><html><head><title>
	%s
</title></head><body><h1>%s</h1>
<p>Your IP address appears to be: <strong>%s</strong></p></body></html>`, title, title, addr)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestDestinationFromURL tests destination derivation.
func TestDestinationFromURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		url     string
		want    Destination
		wantErr bool
	}{
		{url: "https://check.torproject.org/", want: Destination{Host: "check.torproject.org", Port: 443}},
		{url: "http://example.com/index.html", want: Destination{Host: "example.com", Port: 80}},
		{url: "http://[2001:db8::1]:8080/", want: Destination{Host: "2001:db8::1", Port: 8080}},
		{url: "ftp://example.com/", wantErr: true},
		{url: "http://example.com:0/", wantErr: true},
		{url: "/relative", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			t.Parallel()

			got, err := DestinationFromURL(tc.url)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("DestinationFromURL() = %+v, expected %+v", got, tc.want)
			}
		})
	}

	if s := (Destination{Host: "2001:db8::1", Port: 80}).String(); s != "[2001:db8::1]:80" {
		t.Errorf("String() = %q", s)
	}
}

// TestRegistry tests registration and lookup.
func TestRegistry(t *testing.T) {
	t.Parallel()

	r := Builtin(Settings{})
	if got := r.Names(); len(got) != 2 || got[0] != "checktest" || got[1] != "httpcontent" {
		t.Errorf("Names() = %v", got)
	}

	if _, err := r.Lookup("checktest"); err != nil {
		t.Errorf("Lookup(checktest): %v", err)
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("expected ErrUnknownModule, got %v", err)
	}
	if err := r.Register(NewCheckTest()); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("expected ErrDuplicateModule, got %v", err)
	}
	if _, err := NewRegistry(NewCheckTest(), NewCheckTest()); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("expected ErrDuplicateModule from NewRegistry, got %v", err)
	}
}

// TestBuiltinSettings tests that settings reach the modules.
func TestBuiltinSettings(t *testing.T) {
	t.Parallel()

	r := Builtin(Settings{
		CheckURL:   "https://check.example.org:8443/",
		ContentURL: "http://content.example.org/file",
		Timeout:    5 * time.Second,
	})

	m, err := r.Lookup("checktest")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Destinations(); len(got) != 1 || got[0].String() != "check.example.org:8443" {
		t.Errorf("checktest Destinations() = %v", got)
	}

	m, err = r.Lookup("httpcontent")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Destinations(); len(got) != 1 || got[0].String() != "content.example.org:80" {
		t.Errorf("httpcontent Destinations() = %v", got)
	}
	if _, ok := m.(Preparer); !ok {
		t.Error("httpcontent should implement Preparer")
	}
}

// TestCheckTestProbe tests verdicts derived from the check page.
func TestCheckTestProbe(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		title   string
		addr    string
		verdict model.Verdict
	}{
		{"recognized", "Congratulations. This browser is configured to use Tor.", "198.51.100.7", model.VerdictClean},
		{"recognized from other address", "Congratulations. This browser is configured to use Tor.", "198.51.100.99", model.VerdictClean},
		{"not recognized", "Sorry. You are not using Tor.", "198.51.100.7", model.VerdictSuspicious},
		{"rewritten page", "Welcome", "198.51.100.7", model.VerdictSuspicious},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := checkPageServer(t, tc.title, tc.addr)
			check := NewCheckTest(WithCheckURL(srv.URL), WithCheckTimeout(5*time.Second))

			res, err := check.Probe(context.Background(), directInvocation("198.51.100.7"))
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if res.Verdict != tc.verdict {
				t.Errorf("Verdict = %v (%s), expected %v", res.Verdict, res.Detail, tc.verdict)
			}
		})
	}
}

// TestCheckTestErrors tests failures that prevent a measurement.
func TestCheckTestErrors(t *testing.T) {
	t.Parallel()

	t.Run("no dialer", func(t *testing.T) {
		t.Parallel()

		inv := directInvocation("198.51.100.7")
		inv.Dialer = nil
		if _, err := NewCheckTest().Probe(context.Background(), inv); !errors.Is(err, ErrNoDialer) {
			t.Errorf("expected ErrNoDialer, got %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		if _, err := NewCheckTest(WithCheckURL(srv.URL)).Probe(context.Background(), directInvocation("198.51.100.7")); err == nil {
			t.Error("expected error for 502 response")
		}
	})
}

// TestHTTPContent tests baseline comparison.
func TestHTTPContent(t *testing.T) {
	t.Parallel()

	body := "original document"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	// evil answers in place of the real server, like an exit rewriting traffic.
	evil := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body+"<script>injected()</script>")
	}))
	t.Cleanup(evil.Close)

	content := NewHTTPContent(WithContentURL(srv.URL+"/doc"), WithContentTimeout(5*time.Second))

	if _, err := content.Probe(context.Background(), directInvocation("198.51.100.7")); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared before Prepare, got %v", err)
	}
	if err := content.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	res, err := content.Probe(context.Background(), directInvocation("198.51.100.7"))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Verdict != model.VerdictClean {
		t.Errorf("Verdict = %v (%s), expected CLEAN", res.Verdict, res.Detail)
	}

	inv := directInvocation("198.51.100.7")
	inv.Dialer = redirectDialer{target: evil.Listener.Addr().String()}
	res, err = content.Probe(context.Background(), inv)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Verdict != model.VerdictSuspicious {
		t.Errorf("Verdict = %v (%s), expected SUSPICIOUS", res.Verdict, res.Detail)
	}
}

// redirectDialer connects to target whatever address is asked for.
type redirectDialer struct {
	target string
}

func (d redirectDialer) Dial(network, _ string) (net.Conn, error) {
	return net.Dial(network, d.target) //nolint:noctx // test code
}

func (d redirectDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.target)
}

// TestHTTPContentPrepareFails tests that an unreachable baseline is an error.
func TestHTTPContentPrepareFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	if err := NewHTTPContent(WithContentURL(srv.URL)).Prepare(context.Background()); err == nil {
		t.Error("expected error for 404 baseline")
	}
}
