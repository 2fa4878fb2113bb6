package module

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultContentURL is fetched when no URL is configured.
	DefaultContentURL = "http://example.com/"

	httpContentName = "httpcontent"

	// maxContentSize limits how much of a document is hashed.
	maxContentSize = 8 << 20
)

// HTTPContent fetches one URL directly during Prepare and then through every
// exit, and flags exits that return a different document. Plain HTTP URLs
// are the interesting case: exits can rewrite them undetected by TLS.
type HTTPContent struct {
	url     string
	timeout time.Duration
	direct  *http.Client

	mu       sync.RWMutex
	baseline string
}

// HTTPContentOption configures an HTTPContent module.
type HTTPContentOption func(*HTTPContent)

// WithContentURL sets the document URL.
func WithContentURL(u string) HTTPContentOption {
	return func(h *HTTPContent) {
		h.url = u
	}
}

// WithContentTimeout sets the per-request timeout.
func WithContentTimeout(d time.Duration) HTTPContentOption {
	return func(h *HTTPContent) {
		h.timeout = d
	}
}

// WithDirectClient sets the client used to fetch the baseline.
func WithDirectClient(c *http.Client) HTTPContentOption {
	return func(h *HTTPContent) {
		h.direct = c
	}
}

// NewHTTPContent creates the httpcontent module.
func NewHTTPContent(opts ...HTTPContentOption) *HTTPContent {
	h := &HTTPContent{
		url:     DefaultContentURL,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.direct == nil {
		h.direct = &http.Client{Timeout: h.timeout}
	}
	return h
}

// Name implements Module.
func (h *HTTPContent) Name() string { return httpContentName }

// Description implements Module.
func (h *HTTPContent) Description() string {
	return "Compares a document fetched through each exit with a direct copy"
}

// Destinations implements Module.
func (h *HTTPContent) Destinations() []Destination {
	d, err := DestinationFromURL(h.url)
	if err != nil {
		return nil
	}
	return []Destination{d}
}

// Prepare fetches the baseline copy without Tor.
func (h *HTTPContent) Prepare(ctx context.Context) error {
	sum, err := fetchDigest(ctx, h.direct, h.url)
	if err != nil {
		return fmt.Errorf("failed to fetch baseline of %s: %w", h.url, err)
	}

	h.mu.Lock()
	h.baseline = sum
	h.mu.Unlock()
	return nil
}

// Probe implements Module.
func (h *HTTPContent) Probe(ctx context.Context, inv *Invocation) (*Result, error) {
	h.mu.RLock()
	baseline := h.baseline
	h.mu.RUnlock()
	if baseline == "" {
		return nil, ErrNotPrepared
	}

	client, err := inv.HTTPClient(h.timeout)
	if err != nil {
		return nil, err
	}

	sum, err := fetchDigest(ctx, client, h.url)
	if err != nil {
		return nil, err
	}
	if sum != baseline {
		return Suspicious("document digest %s differs from baseline %s", short(sum), short(baseline)), nil
	}
	return Clean("document unchanged"), nil
}

// fetchDigest returns the hex SHA-256 of the response body.
func fetchDigest(ctx context.Context, client *http.Client, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %s", u, resp.Status)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, io.LimitReader(resp.Body, maxContentSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
