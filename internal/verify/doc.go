// Package verify proves that a SOCKS5 proxy changes the network identity
// observed by remote services before any download is allowed.
//
// A *Result is the only way to obtain a verified endpoint, and the download
// manager and leak monitor refuse to start without one. That makes
// "verification happens first" a property of the types rather than of the
// call order in main.
package verify
