package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// DefaultTimeout bounds a single service request. Requests through Tor
// routinely take several seconds, so this is generous.
const DefaultTimeout = 20 * time.Second

// maxReplyLength is the longest plain-text reply accepted. The longest
// textual IPv6 address is 45 characters; anything much longer is an error
// page or a rate-limit message.
const maxReplyLength = 64

// maxBodyBytes limits how much of a reply body is read.
const maxBodyBytes = 4096

// Probe errors.
var (
	// ErrAllServicesFailed is returned when no identity service produced a
	// valid reply.
	ErrAllServicesFailed = errors.New("all identity services failed")

	// ErrInvalidReply is returned for a reply that does not look like an
	// address (error text, rate-limit notices, HTML, JSON on a text service).
	ErrInvalidReply = errors.New("invalid identity service reply")
)

// Prober determines the observed identity of this host.
//
// via selects the route: nil probes directly, a non-nil endpoint probes
// through that SOCKS5 proxy. The probe timeout is taken from ctx and from
// the implementation's per-request timeout, whichever is shorter.
type Prober interface {
	Probe(ctx context.Context, via *tor.Endpoint) (Identity, error)
}

// Format describes how a service encodes its reply.
type Format int

const (
	// FormatPlain is a bare address in the response body.
	FormatPlain Format = iota
	// FormatTorCheck is the check.torproject.org JSON document
	// {"IsTor": bool, "IP": string}.
	FormatTorCheck
)

// Service is an identity service endpoint.
type Service struct {
	// Name is a short label used in logs and errors.
	Name string
	// URL is requested with GET.
	URL string
	// Format is the reply encoding.
	Format Format
}

// DefaultServices returns the identity services in priority order. The
// IPv4-only service comes first so that dual-stack hosts report a stable
// family; the Tor Project check service is the last resort.
func DefaultServices() []Service {
	return []Service{
		{Name: "icanhazip-v4", URL: "https://ipv4.icanhazip.com", Format: FormatPlain},
		{Name: "ipify", URL: "https://api.ipify.org", Format: FormatPlain},
		{Name: "amazonaws", URL: "https://checkip.amazonaws.com", Format: FormatPlain},
		{Name: "icanhazip", URL: "https://icanhazip.com", Format: FormatPlain},
		{Name: "torproject", URL: "https://check.torproject.org/api/ip", Format: FormatTorCheck},
	}
}

// ServicesFromURLs builds a service list from plain URLs. URLs pointing at
// the Tor Project check API are decoded as JSON, everything else as text.
func ServicesFromURLs(urls []string) []Service {
	services := make([]Service, 0, len(urls))
	for _, u := range urls {
		format := FormatPlain
		if strings.Contains(u, "check.torproject.org/api/ip") {
			format = FormatTorCheck
		}
		services = append(services, Service{Name: u, URL: u, Format: format})
	}
	return services
}

// ServiceFailure records why one service did not produce an identity.
type ServiceFailure struct {
	Service string
	Err     error
}

// ProbeError is returned when every service failed. It carries each
// service's failure for diagnostics and matches ErrAllServicesFailed.
type ProbeError struct {
	// Route is "direct" or the proxy endpoint string.
	Route string
	// Failures lists the failure of every service, in priority order.
	Failures []ServiceFailure
}

// Error implements error.
func (e *ProbeError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Service+": "+f.Err.Error())
	}
	return fmt.Sprintf("%s via %s: %s", ErrAllServicesFailed, e.Route, strings.Join(parts, "; "))
}

// Unwrap returns ErrAllServicesFailed so callers can use errors.Is.
func (e *ProbeError) Unwrap() error {
	return ErrAllServicesFailed
}

// HTTPProber queries HTTP identity services in priority order and returns
// the first valid reply.
type HTTPProber struct {
	services  []Service
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger

	// direct is used when probing without a proxy.
	direct *http.Client

	// proxied builds the HTTP client for a proxy endpoint.
	proxied func(ep tor.Endpoint, timeout time.Duration) (*http.Client, error)
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithServices replaces the service list. An empty list is ignored.
func WithServices(services []Service) Option {
	return func(p *HTTPProber) {
		if len(services) > 0 {
			p.services = services
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header of probe requests.
func WithUserAgent(ua string) Option {
	return func(p *HTTPProber) {
		p.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *HTTPProber) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDirectClient replaces the HTTP client used for direct probes.
func WithDirectClient(c *http.Client) Option {
	return func(p *HTTPProber) {
		if c != nil {
			p.direct = c
		}
	}
}

// NewHTTPProber creates a prober with the default services.
func NewHTTPProber(opts ...Option) *HTTPProber {
	p := &HTTPProber{
		services: DefaultServices(),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		proxied:  proxiedClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.direct == nil {
		p.direct = directClient(p.timeout)
	}
	return p
}

// directClient builds a client that ignores environment proxy settings.
// Without this, HTTP_PROXY could silently route the baseline probe through
// a proxy and make every candidate look like a leak.
func directClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout: timeout,
			MaxIdleConns:        2,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: timeout,
	}
}

// proxiedClient builds a client whose only route is the SOCKS5 endpoint.
func proxiedClient(ep tor.Endpoint, timeout time.Duration) (*http.Client, error) {
	client, err := tor.NewClient(ep, timeout)
	if err != nil {
		return nil, err
	}
	return client.NewHTTPClient(), nil
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, via *tor.Endpoint) (Identity, error) {
	route := "direct"
	hc := p.direct
	if via != nil {
		route = via.String()
		var err error
		hc, err = p.proxied(*via, p.timeout)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to build proxied client: %w", err)
		}
		// Each probe through the proxy uses fresh connections.
		defer hc.CloseIdleConnections()
	}

	probeErr := &ProbeError{Route: route}
	for _, svc := range p.services {
		if err := ctx.Err(); err != nil {
			probeErr.Failures = append(probeErr.Failures, ServiceFailure{Service: svc.Name, Err: err})
			break
		}

		id, err := p.query(ctx, hc, svc)
		if err != nil {
			p.logger.Debug("identity service failed", "service", svc.Name, "route", route, "error", err)
			probeErr.Failures = append(probeErr.Failures, ServiceFailure{Service: svc.Name, Err: err})
			continue
		}
		p.logger.Debug("identity service answered", "service", svc.Name, "route", route, "family", id.Family)
		return id, nil
	}
	return Identity{}, probeErr
}

// query asks one service.
func (p *HTTPProber) query(ctx context.Context, hc *http.Client, svc Service) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return Identity{}, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Identity{}, err
	}

	switch svc.Format {
	case FormatTorCheck:
		return parseTorCheck(body)
	default:
		return parsePlain(string(body))
	}
}

// parsePlain validates and parses a plain-text reply.
func parsePlain(body string) (Identity, error) {
	reply := strings.TrimSpace(body)
	lower := strings.ToLower(reply)

	switch {
	case reply == "":
		return Identity{}, fmt.Errorf("%w: empty reply", ErrInvalidReply)
	case len(reply) >= maxReplyLength:
		return Identity{}, fmt.Errorf("%w: reply too long (%d bytes)", ErrInvalidReply, len(reply))
	case strings.Contains(lower, "error"), strings.Contains(lower, "too many"):
		return Identity{}, fmt.Errorf("%w: error reply %q", ErrInvalidReply, reply)
	case strings.ContainsAny(reply, "{}<>"):
		return Identity{}, fmt.Errorf("%w: structured reply", ErrInvalidReply)
	}

	id, err := Parse(reply)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidReply, err)
	}
	return id, nil
}

// torCheckReply is the check.torproject.org/api/ip document.
type torCheckReply struct {
	IsTor bool   `json:"IsTor"`
	IP    string `json:"IP"`
}

// parseTorCheck parses a check.torproject.org reply.
func parseTorCheck(body []byte) (Identity, error) {
	var reply torCheckReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidReply, err)
	}
	if reply.IP == "" {
		return Identity{}, fmt.Errorf("%w: missing IP field", ErrInvalidReply)
	}
	id, err := Parse(reply.IP)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidReply, err)
	}
	return id, nil
}
