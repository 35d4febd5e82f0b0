// Package identity determines the public network identity (egress IP
// address) that remote services observe, either directly or through a
// SOCKS5 proxy.
//
// The verifier uses it to prove that a proxy changes the observed identity,
// and the leak monitor uses it to keep proving that for the rest of the run.
// Probing never mutates shared state; every call is independent.
package identity
