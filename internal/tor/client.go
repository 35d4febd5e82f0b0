package tor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultHandshakeTimeout bounds the SOCKS5 handshake performed by
// CheckConnection. It is a local loopback exchange, so it can be short.
const DefaultHandshakeTimeout = 2 * time.Second

// maxRedirects limits redirect chains followed by HTTP clients.
const maxRedirects = 10

// Client provides proxied network connectivity for one SOCKS5 endpoint.
// It wraps a context-aware SOCKS5 dialer and builds HTTP clients that can
// only reach the network through it.
type Client struct {
	// endpoint is the proxy this client dials through.
	endpoint Endpoint

	// dialer is the SOCKS5 dialer. We cache it to avoid recreating it for
	// each connection.
	dialer proxy.ContextDialer

	// timeout is the default timeout of HTTP clients created by this client.
	timeout time.Duration
}

// NewClient creates a client for the given endpoint.
//
// This function validates the endpoint but does not contact the proxy.
// Use CheckReachable or CheckConnection to probe it.
//
// Design decision: We don't connect to the proxy in the constructor because
// the verifier builds clients for candidates it has not yet proven, and
// because it keeps object creation separate from network operations.
func NewClient(endpoint Endpoint, timeout time.Duration) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	// Tor's SOCKS port does not require authentication, so auth is nil.
	// proxy.Direct is the forward dialer used to reach the proxy itself.
	d, err := proxy.SOCKS5("tcp", endpoint.Address(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	return &Client{
		endpoint: endpoint,
		dialer:   cd,
		timeout:  timeout,
	}, nil
}

// Endpoint returns the proxy endpoint of this client.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// CheckReachable performs a plain TCP connect to the endpoint. It is the
// cheap first step of verification: it tells whether anything listens on
// the port at all.
func CheckReachable(ctx context.Context, endpoint Endpoint, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", endpoint.Address(), ErrProxyTimeout)
		}
		return fmt.Errorf("%s: %w: %w", endpoint.Address(), ErrProxyCannotConnect, err)
	}
	return conn.Close()
}

// SOCKS5 protocol constants.
const (
	socks5Version       = 0x05
	socks5AuthNone      = 0x00
	socks5AuthNoAccept  = 0xFF
	socks5CmdConnect    = 0x01
	socks5AddrTypeDomID = 0x03

	// socks5TestOnion is a synthetic .onion address used for the CONNECT
	// step. It does not exist; we only need the proxy to answer.
	socks5TestOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// CheckConnection verifies that the endpoint speaks SOCKS5 the way a Tor
// SOCKS port does: version 5, no authentication, and an answer to a
// CONNECT request. Any reply code counts; Tor answers the synthetic onion
// with a failure code, which still proves it processed the request.
func (c *Client) CheckConnection(ctx context.Context) ProxyStatus {
	ctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.endpoint.Address())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout
		}
		return ProxyStatusCannotConnect
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(DefaultHandshakeTimeout)); err != nil {
		return ProxyStatusCannotConnect
	}

	// Version negotiation: we offer "no authentication" only.
	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ProxyStatusCannotConnect
	}

	authResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, authResp); err != nil {
		if isTimeout(err) {
			return ProxyStatusTimeout
		}
		return ProxyStatusWrongType
	}
	if authResp[0] != socks5Version || authResp[1] == socks5AuthNoAccept || authResp[1] != socks5AuthNone {
		return ProxyStatusWrongType
	}

	connectReq := []byte{
		socks5Version,
		socks5CmdConnect,
		0x00, // reserved
		socks5AddrTypeDomID,
		byte(len(socks5TestOnion)),
	}
	connectReq = append(connectReq, socks5TestOnion...)
	connectReq = append(connectReq, 0x00, 80)

	if _, err := conn.Write(connectReq); err != nil {
		return ProxyStatusCannotConnect
	}

	connectResp := make([]byte, 4)
	if _, err := io.ReadFull(conn, connectResp); err != nil {
		if isTimeout(err) {
			return ProxyStatusTimeout
		}
		return ProxyStatusWrongType
	}
	if connectResp[0] != socks5Version {
		return ProxyStatusWrongType
	}
	return ProxyStatusOK
}

// isTimeout reports whether err is a network or context timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// DialContext establishes a TCP connection through the proxy.
// Host names are passed to the proxy unresolved, so no local DNS lookup
// happens for the destination.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, network, address)
}

// HTTPOption configures HTTP clients built by NewHTTPClient.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	headers     map[string]string
	insecureTLS bool
	timeout     time.Duration
	streaming   bool
}

// WithHeaders injects the given headers into every request, including
// requests issued while following redirects.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(o *httpOptions) {
		o.headers = headers
	}
}

// WithInsecureTLS disables certificate verification. Onion services
// commonly present self-signed certificates; the onion address itself
// authenticates the service.
func WithInsecureTLS(insecure bool) HTTPOption {
	return func(o *httpOptions) {
		o.insecureTLS = insecure
	}
}

// WithRequestTimeout overrides the client timeout for this HTTP client.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithStreaming removes the whole-request deadline. The timeout still
// bounds the wait for response headers; callers reading long bodies enforce
// their own deadline while streaming.
func WithStreaming() HTTPOption {
	return func(o *httpOptions) {
		o.streaming = true
	}
}

// NewHTTPClient creates an HTTP client whose only route is the proxy.
//
// Design decisions:
//   - Proxy is explicitly nil so HTTP_PROXY and NO_PROXY cannot add or
//     remove a hop behind our back
//   - DialContext is the SOCKS5 dialer; there is no fallback to a direct dial
//   - Compression is disabled to avoid size side channels on Tor circuits
//   - Idle connections are kept few and short because each one holds a circuit
func (c *Client) NewHTTPClient(opts ...HTTPOption) *http.Client {
	o := httpOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	transport := &http.Transport{
		Proxy:       nil,
		DialContext: c.dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: o.insecureTLS, //nolint:gosec // opt-in for .onion services
			MinVersion:         tls.VersionTLS12,
		},
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: o.timeout,
		DisableCompression:    true,
	}

	// cookiejar.New only fails with invalid options.
	jar, _ := cookiejar.New(nil) //nolint:errcheck

	var rt http.RoundTripper = transport
	if len(o.headers) > 0 {
		rt = &headerInjectingTransport{base: transport, headers: o.headers}
	}

	total := o.timeout
	if o.streaming {
		total = 0
	}

	return &http.Client{
		Transport: rt,
		Timeout:   total,
		Jar:       jar,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// headerInjectingTransport wraps an http.RoundTripper to inject headers
// into every request.
type headerInjectingTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

// RoundTrip implements http.RoundTripper.
func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range t.headers {
		if clone.Header.Get(key) == "" {
			clone.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(clone)
}
