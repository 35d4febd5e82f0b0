// Package tor provides the SOCKS5 plumbing every outbound request of torfetch
// goes through.
//
// It owns three things:
//   - Endpoint, the identity of a candidate or verified SOCKS5 proxy
//   - Client, which builds HTTP clients whose only route to the network is
//     the proxy's SOCKS5 dialer
//   - EmbeddedTor, an optional Tor daemon launched through tornago
//
// Design decision: The HTTP transport built here never consults the process
// environment (HTTP_PROXY and friends) and has no fallback dialer. A request
// that cannot be dialed through the proxy fails instead of leaving the host
// directly. Components that must talk to the network without a proxy (the
// baseline identity probe) build their own transport explicitly.
//
// The package is designed to be used with dependency injection: create a
// Client from a verified Endpoint and pass it to the components that need
// it rather than using global state.
package tor
