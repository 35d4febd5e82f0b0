package tor

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Supported proxy schemes.
const (
	// SchemeSOCKS5 is the only proxy scheme torfetch speaks. Host names are
	// always handed to the proxy unresolved, so socks5 and socks5h behave
	// the same here.
	SchemeSOCKS5 = "socks5"

	// schemeSOCKS5H is accepted on input and normalized to SchemeSOCKS5.
	schemeSOCKS5H = "socks5h"

	// DefaultProxyHost is the loopback address Tor Browser and the Tor
	// daemon listen on by default.
	DefaultProxyHost = "127.0.0.1"
)

// Endpoint identifies a SOCKS5 proxy.
//
// An Endpoint is only a candidate until the verifier has proven that
// traffic sent through it leaves the host under a different identity.
// Endpoints are values; copying one is always safe.
type Endpoint struct {
	// Host is the proxy host, normally a loopback address.
	Host string

	// Port is the proxy TCP port (1-65535).
	Port int

	// Scheme is the proxy protocol. Always SchemeSOCKS5 after parsing.
	Scheme string
}

// NewEndpoint creates a SOCKS5 endpoint for host and port.
func NewEndpoint(host string, port int) (Endpoint, error) {
	ep := Endpoint{Host: host, Port: port, Scheme: SchemeSOCKS5}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// ParseEndpoint parses "host:port", "socks5://host:port" or
// "socks5h://host:port" into an Endpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	scheme := SchemeSOCKS5
	if before, after, ok := strings.Cut(raw, "://"); ok {
		switch strings.ToLower(before) {
		case SchemeSOCKS5, schemeSOCKS5H:
		default:
			return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyAddress, before)
		}
		raw = strings.TrimSuffix(after, "/")
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidProxyAddress, raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidProxyAddress, raw)
	}

	ep := Endpoint{Host: host, Port: port, Scheme: scheme}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// CandidateEndpoints expands a host and an ordered port list into the
// ordered candidate list the verifier walks. Invalid ports are rejected
// rather than silently skipped.
func CandidateEndpoints(host string, ports []int) ([]Endpoint, error) {
	candidates := make([]Endpoint, 0, len(ports))
	for _, port := range ports {
		ep, err := NewEndpoint(host, port)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, ep)
	}
	return candidates, nil
}

// Validate reports whether the endpoint is usable.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidProxyAddress)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidProxyAddress, e.Port)
	}
	if e.Scheme != "" && e.Scheme != SchemeSOCKS5 {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyAddress, e.Scheme)
	}
	return nil
}

// Address returns the endpoint in "host:port" form, bracketing IPv6 hosts.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint as a proxy URL, e.g. "socks5://127.0.0.1:9150".
func (e Endpoint) String() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeSOCKS5
	}
	return scheme + "://" + e.Address()
}
