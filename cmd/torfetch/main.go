// Package main provides the entry point for the torfetch CLI.
//
// torfetch downloads a list of resources through a Tor SOCKS5 proxy. It
// refuses to download anything until it has proven that the proxy changes
// the observed IP address, and it aborts the process if that proof stops
// holding while downloads are running.
//
// Usage:
//
//	torfetch verify
//	torfetch fetch <tasks-file>
//
// See --help for all available options.
package main

// main is the entry point for torfetch.
func main() {
	Execute()
}
