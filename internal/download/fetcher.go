package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// DefaultTransferTimeout bounds the wait for response headers and every
// gap between body reads. A body that keeps arriving is never cut off.
const DefaultTransferTimeout = 30 * time.Second

// DefaultUserAgent is sent with every transfer unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Fetcher streams one resource into dst and returns the number of bytes
// written.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error)
}

// DefaultHeaders returns the browser-like headers sent with every transfer.
func DefaultHeaders(userAgent string) map[string]string {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "*/*",
		"Accept-Language": "en-US,en;q=0.9",
	}
}

// HTTPFetcher fetches resources over an HTTP client whose only route is a
// SOCKS5 proxy.
type HTTPFetcher struct {
	client      *http.Client
	idleTimeout time.Duration
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*fetcherOptions)

type fetcherOptions struct {
	timeout     time.Duration
	userAgent   string
	insecureTLS bool
}

// WithTransferTimeout bounds the wait for headers and the time allowed
// between two body reads.
func WithTransferTimeout(d time.Duration) FetcherOption {
	return func(o *fetcherOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(o *fetcherOptions) {
		o.userAgent = ua
	}
}

// WithInsecureTLS disables certificate verification for transfers.
func WithInsecureTLS(insecure bool) FetcherOption {
	return func(o *fetcherOptions) {
		o.insecureTLS = insecure
	}
}

// NewHTTPFetcher creates a fetcher that dials only through ep.
func NewHTTPFetcher(ep tor.Endpoint, opts ...FetcherOption) (*HTTPFetcher, error) {
	o := fetcherOptions{timeout: DefaultTransferTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	client, err := tor.NewClient(ep, o.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy client: %w", err)
	}

	return &HTTPFetcher{
		client: client.NewHTTPClient(
			tor.WithHeaders(DefaultHeaders(o.userAgent)),
			tor.WithInsecureTLS(o.insecureTLS),
			tor.WithStreaming(),
		),
		idleTimeout: o.timeout,
	}, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096) //nolint:errcheck
		return 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body := newIdleReader(resp.Body, f.idleTimeout, func() { cancel(ErrTransferStalled) })
	defer body.stop()

	n, err := io.Copy(dst, body)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrTransferStalled) {
			return n, fmt.Errorf("failed to read body: no data for %s: %w", f.idleTimeout, ErrTransferStalled)
		}
		return n, fmt.Errorf("failed to read body: %w", err)
	}
	return n, nil
}

// idleReader calls onIdle when no Read returns data for the idle duration.
type idleReader struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
}

func newIdleReader(r io.Reader, idle time.Duration, onIdle func()) *idleReader {
	return &idleReader{r: r, idle: idle, timer: time.AfterFunc(idle, onIdle)}
}

// Read implements io.Reader.
func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}

// CloseIdleConnections releases pooled proxy connections.
func (f *HTTPFetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}
