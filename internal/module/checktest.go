package module

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// DefaultCheckURL is the page that tells whether a request came from Tor.
	DefaultCheckURL = "https://check.torproject.org/"

	checkTestName = "checktest"

	// maxCheckPageSize limits how much of the check page is read.
	maxCheckPageSize = 1 << 20
)

// CheckTest fetches check.torproject.org through every exit. The page says
// "Congratulations" when the request came from a known exit and "Sorry"
// otherwise; anything else means the exit tampered with the page.
type CheckTest struct {
	url     string
	timeout time.Duration
}

// CheckTestOption configures a CheckTest.
type CheckTestOption func(*CheckTest)

// WithCheckURL replaces the check page URL.
func WithCheckURL(u string) CheckTestOption {
	return func(c *CheckTest) {
		c.url = u
	}
}

// WithCheckTimeout sets the per-request timeout.
func WithCheckTimeout(d time.Duration) CheckTestOption {
	return func(c *CheckTest) {
		c.timeout = d
	}
}

// NewCheckTest creates the checktest module.
func NewCheckTest(opts ...CheckTestOption) *CheckTest {
	c := &CheckTest{
		url:     DefaultCheckURL,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Module.
func (c *CheckTest) Name() string { return checkTestName }

// Description implements Module.
func (c *CheckTest) Description() string {
	return "Checks that check.torproject.org recognizes each exit as Tor"
}

// Destinations implements Module.
func (c *CheckTest) Destinations() []Destination {
	d, err := DestinationFromURL(c.url)
	if err != nil {
		return nil
	}
	return []Destination{d}
}

// Probe implements Module.
func (c *CheckTest) Probe(ctx context.Context, inv *Invocation) (*Result, error) {
	client, err := inv.HTTPClient(c.timeout)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch check page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check page returned %s", resp.Status)
	}

	page, err := parseCheckPage(io.LimitReader(resp.Body, maxCheckPageSize))
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(page.title, "Congratulations"):
		if page.addr.IsValid() && inv.Exit != nil && inv.Exit.Address.IsValid() && page.addr != inv.Exit.Address {
			return Clean(fmt.Sprintf("recognized as Tor, leaves from %s instead of %s", page.addr, inv.Exit.Address)), nil
		}
		return Clean("recognized as Tor"), nil
	case strings.Contains(page.title, "Sorry"):
		return Suspicious("check page does not recognize the exit as Tor (seen as %s)", page.addr), nil
	default:
		return Suspicious("unexpected check page title %q", page.title), nil
	}
}

// checkPage is what the check page reveals.
type checkPage struct {
	title string
	// addr is the first <strong> text that parses as an address; the page
	// shows the requesting IP that way.
	addr netip.Addr
}

func parseCheckPage(r io.Reader) (*checkPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	page := &checkPage{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			text := strings.TrimSpace(n.FirstChild.Data)
			switch n.Data {
			case "title":
				if page.title == "" {
					page.title = text
				}
			case "strong":
				if !page.addr.IsValid() {
					if addr, err := netip.ParseAddr(text); err == nil {
						page.addr = addr
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return page, nil
}
