package tor

import "errors"

// Proxy connectivity errors.
//
// Design decision: We define specific errors rather than wrapping all dial
// failures generically. The verifier treats every one of them as "skip this
// candidate", but the distinction shows up in logs and in the verification
// error's per-candidate attempts, which is what the operator reads when no
// proxy could be verified.
var (
	// ErrProxyNotSOCKS5 is returned when the address accepts TCP connections
	// but does not answer the SOCKS5 handshake the way a Tor SOCKS port does.
	ErrProxyNotSOCKS5 = errors.New("proxy does not speak SOCKS5 without authentication")

	// ErrProxyCannotConnect is returned when no TCP connection to the proxy
	// could be established. Usually the proxy is simply not running.
	ErrProxyCannotConnect = errors.New("cannot connect to proxy")

	// ErrProxyTimeout is returned when connecting to the proxy timed out.
	ErrProxyTimeout = errors.New("timeout connecting to proxy")

	// ErrInvalidProxyAddress is returned when a proxy address cannot be parsed.
	// Expected format is "host:port" or "socks5://host:port".
	ErrInvalidProxyAddress = errors.New("invalid proxy address: expected host:port")

	// ErrEmbeddedNotRunning is returned when the embedded Tor daemon is used
	// before Start succeeded.
	ErrEmbeddedNotRunning = errors.New("embedded Tor daemon is not running")
)

// ProxyStatus represents the result of checking a proxy endpoint.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the endpoint answered like a SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the endpoint accepted the connection
	// but is not a SOCKS5 proxy without authentication.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be established.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the connection attempt timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not SOCKS5)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error returns the appropriate error for this status, or nil if OK.
func (s ProxyStatus) Error() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotSOCKS5
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
