package identity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/testutil"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// replyServer serves body with status on every request and counts hits.
func replyServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func plain(name string, srv *httptest.Server) Service {
	return Service{Name: name, URL: srv.URL, Format: FormatPlain}
}

func TestHTTPProberDirect(t *testing.T) {
	t.Parallel()

	t.Run("first valid service wins", func(t *testing.T) {
		t.Parallel()

		first, firstHits := replyServer(t, http.StatusOK, "203.0.113.7\n")
		second, secondHits := replyServer(t, http.StatusOK, "198.51.100.1\n")

		p := NewHTTPProber(WithServices([]Service{plain("first", first), plain("second", second)}))
		id, err := p.Probe(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.Address != "203.0.113.7" || id.Family != FamilyIPv4 {
			t.Errorf("Probe() = %+v, want 203.0.113.7/ipv4", id)
		}
		if firstHits.Load() != 1 || secondHits.Load() != 0 {
			t.Errorf("hits = %d/%d, want 1/0", firstHits.Load(), secondHits.Load())
		}
	})

	t.Run("invalid replies fall through in priority order", func(t *testing.T) {
		t.Parallel()

		rateLimited, _ := replyServer(t, http.StatusOK, "Too many requests, slow down")
		errorText, _ := replyServer(t, http.StatusOK, "error: upstream unavailable")
		jsonBody, _ := replyServer(t, http.StatusOK, `{"ip":"203.0.113.9"}`)
		tooLong, _ := replyServer(t, http.StatusOK, strings.Repeat("1", 80))
		serverError, _ := replyServer(t, http.StatusServiceUnavailable, "203.0.113.10")
		good, goodHits := replyServer(t, http.StatusOK, "198.51.100.1")

		p := NewHTTPProber(WithServices([]Service{
			plain("rate", rateLimited),
			plain("error", errorText),
			plain("json", jsonBody),
			plain("long", tooLong),
			plain("5xx", serverError),
			plain("good", good),
		}))
		id, err := p.Probe(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.Address != "198.51.100.1" {
			t.Errorf("Probe() = %+v, want 198.51.100.1", id)
		}
		if goodHits.Load() != 1 {
			t.Errorf("good service hits = %d, want 1", goodHits.Load())
		}
	})

	t.Run("all services failing returns ProbeError", func(t *testing.T) {
		t.Parallel()

		bad, _ := replyServer(t, http.StatusOK, "not an address")
		down, _ := replyServer(t, http.StatusBadGateway, "")

		p := NewHTTPProber(WithServices([]Service{plain("bad", bad), plain("down", down)}))
		_, err := p.Probe(context.Background(), nil)
		if !errors.Is(err, ErrAllServicesFailed) {
			t.Fatalf("expected ErrAllServicesFailed, got %v", err)
		}
		var probeErr *ProbeError
		if !errors.As(err, &probeErr) {
			t.Fatalf("expected *ProbeError, got %T", err)
		}
		if probeErr.Route != "direct" || len(probeErr.Failures) != 2 {
			t.Errorf("ProbeError = %+v, want 2 direct failures", probeErr)
		}
		if !errors.Is(probeErr.Failures[0].Err, ErrInvalidReply) {
			t.Errorf("first failure = %v, want ErrInvalidReply", probeErr.Failures[0].Err)
		}
	})

	t.Run("tor check JSON service", func(t *testing.T) {
		t.Parallel()

		srv, _ := replyServer(t, http.StatusOK, `{"IsTor":true,"IP":"185.220.101.4"}`)
		p := NewHTTPProber(WithServices([]Service{{Name: "torproject", URL: srv.URL, Format: FormatTorCheck}}))

		id, err := p.Probe(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.Address != "185.220.101.4" {
			t.Errorf("Probe() = %+v, want 185.220.101.4", id)
		}
	})

	t.Run("cancelled context stops probing", func(t *testing.T) {
		t.Parallel()

		srv, hits := replyServer(t, http.StatusOK, "203.0.113.7")
		p := NewHTTPProber(WithServices([]Service{plain("a", srv), plain("b", srv)}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Probe(ctx, nil); !errors.Is(err, ErrAllServicesFailed) {
			t.Fatalf("expected ErrAllServicesFailed, got %v", err)
		}
		if hits.Load() != 0 {
			t.Errorf("hits = %d, want 0", hits.Load())
		}
	})

	t.Run("sends user agent", func(t *testing.T) {
		t.Parallel()

		uaCh := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uaCh <- r.Header.Get("User-Agent")
			_, _ = io.WriteString(w, "203.0.113.7")
		}))
		defer srv.Close()

		p := NewHTTPProber(WithServices([]Service{plain("ua", srv)}), WithUserAgent("probe-agent"))
		if _, err := p.Probe(context.Background(), nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ua := <-uaCh; ua != "probe-agent" {
			t.Errorf("User-Agent = %q, want probe-agent", ua)
		}
	})
}

func TestHTTPProberViaProxy(t *testing.T) {
	t.Parallel()

	srv, hits := replyServer(t, http.StatusOK, "185.220.101.4")
	socks := testutil.StartSOCKS5(t, testutil.WithRewrite(func(string) string {
		return srv.Listener.Addr().String()
	}))
	ep, err := tor.ParseEndpoint(socks.Addr())
	if err != nil {
		t.Fatalf("failed to parse endpoint: %v", err)
	}

	p := NewHTTPProber(
		WithServices([]Service{{Name: "exit", URL: "http://exit-ip.test/", Format: FormatPlain}}),
		WithTimeout(5*time.Second),
	)
	id, err := p.Probe(context.Background(), &ep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Address != "185.220.101.4" {
		t.Errorf("Probe() = %+v, want 185.220.101.4", id)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
	if targets := socks.Targets(); len(targets) != 1 || targets[0] != "exit-ip.test:80" {
		t.Errorf("proxy targets = %v, want [exit-ip.test:80]", targets)
	}
}

func TestServicesFromURLs(t *testing.T) {
	t.Parallel()

	got := ServicesFromURLs([]string{"https://api.ipify.org", "https://check.torproject.org/api/ip"})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Format != FormatPlain || got[1].Format != FormatTorCheck {
		t.Errorf("formats = %v/%v, want plain/torcheck", got[0].Format, got[1].Format)
	}
}

func TestDefaultServicesOrder(t *testing.T) {
	t.Parallel()

	want := []string{
		"https://ipv4.icanhazip.com",
		"https://api.ipify.org",
		"https://checkip.amazonaws.com",
		"https://icanhazip.com",
		"https://check.torproject.org/api/ip",
	}
	got := DefaultServices()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].URL != want[i] {
			t.Errorf("service[%d] = %q, want %q", i, got[i].URL, want[i])
		}
	}
}
