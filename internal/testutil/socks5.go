// Package testutil provides in-process network fakes shared by package tests.
package testutil

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
)

// SOCKS5Server is a minimal SOCKS5 CONNECT proxy listening on loopback.
// It records every destination it was asked to reach, which lets tests
// assert that traffic really went through the proxy.
type SOCKS5Server struct {
	listener net.Listener
	rewrite  func(dest string) string

	mu      sync.Mutex
	targets []string
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// SOCKS5Option configures a SOCKS5Server.
type SOCKS5Option func(*SOCKS5Server)

// WithRewrite maps a requested "host:port" destination to the address the
// server actually dials. It lets tests point fake host names at httptest
// servers.
func WithRewrite(fn func(dest string) string) SOCKS5Option {
	return func(s *SOCKS5Server) {
		s.rewrite = fn
	}
}

// StartSOCKS5 starts a server and registers its shutdown with t.Cleanup.
func StartSOCKS5(t *testing.T, opts ...SOCKS5Option) *SOCKS5Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test code
	if err != nil {
		t.Fatalf("failed to start SOCKS5 server: %v", err)
	}
	s := &SOCKS5Server{listener: l, conns: make(map[net.Conn]struct{})}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = l.Close()
		// Idle keep-alive connections would otherwise block shutdown.
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

// Addr returns the listener address in "host:port" form.
func (s *SOCKS5Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listener port.
func (s *SOCKS5Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Targets returns the destinations requested so far, in order.
func (s *SOCKS5Server) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

func (s *SOCKS5Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *SOCKS5Server) handle(conn net.Conn) {
	defer conn.Close()

	// Greeting: version, number of methods, methods.
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil || head[0] != 0x05 {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, head[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return
	}

	// Request: version, command, reserved, address type.
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil || req[1] != 0x01 {
		return
	}

	var host string
	switch req[3] {
	case 0x01:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 0x04:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 0x03:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return
		}
		host = string(name)
	default:
		return
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return
	}
	dest := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf))))

	s.mu.Lock()
	s.targets = append(s.targets, dest)
	s.mu.Unlock()

	dialAddr := dest
	if s.rewrite != nil {
		dialAddr = s.rewrite(dest)
	}
	upstream, err := net.Dial("tcp", dialAddr) //nolint:noctx // test code
	if err != nil {
		// Reply: host unreachable.
		_, _ = conn.Write([]byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 0}); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}
