// Package monitor re-probes the observed identity for the whole run and
// aborts the process the moment traffic through the verified proxy appears
// under the direct identity.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// DefaultInterval is the time between identity checks.
const DefaultInterval = 30 * time.Second

// ExitCodeLeak is the process exit status used by the default abort hook.
const ExitCodeLeak = 3

// Monitor errors.
var (
	// ErrNotVerified is returned by New without a verification result.
	ErrNotVerified = errors.New("leak monitor requires a verified proxy")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("leak monitor already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("leak monitor stopped")
)

// State is the lifecycle state of a Monitor.
type State int

// Monitor states. Transitions are Idle -> Running -> Stopped, or
// Idle -> Stopped when Stop is called before Start.
const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LeakEvent describes a detected leak: the identity observed through the
// proxy matched the baseline.
type LeakEvent struct {
	Endpoint   tor.Endpoint
	Observed   identity.Identity
	DetectedAt time.Time
}

// Rotation describes an exit identity change, which is normal for Tor.
type Rotation struct {
	Endpoint tor.Endpoint
	Previous identity.Identity
	Current  identity.Identity
	At       time.Time
}

// AbortFunc is invoked exactly once when a leak is detected. The default
// terminates the process; tests inject a recorder.
type AbortFunc func(LeakEvent)

// Monitor periodically probes the identity through the verified endpoint.
type Monitor struct {
	endpoint tor.Endpoint
	baseline identity.Identity
	prober   identity.Prober

	interval     time.Duration
	probeTimeout time.Duration
	abort        AbortFunc
	onRotate     func(Rotation)
	logger       *slog.Logger
	locator      geoip.Locator
	now          func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// lastExit is owned by the run goroutine; nothing else touches it.
	lastExit identity.Identity
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the time between checks.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds each probe. Defaults to the interval.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithAbort replaces the leak abort hook.
func WithAbort(fn AbortFunc) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.abort = fn
		}
	}
}

// WithRotationHook is called from the monitor goroutine on every exit
// identity change.
func WithRotationHook(fn func(Rotation)) Option {
	return func(m *Monitor) {
		m.onRotate = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLocator annotates rotations with the exit country in logs.
func WithLocator(l geoip.Locator) Option {
	return func(m *Monitor) {
		if l != nil {
			m.locator = l
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor for a verified endpoint. It refuses to exist
// without a verification result.
func New(result *verify.Result, prober identity.Prober, opts ...Option) (*Monitor, error) {
	if result == nil {
		return nil, ErrNotVerified
	}

	m := &Monitor{
		endpoint: result.Endpoint,
		baseline: result.Baseline,
		lastExit: result.Exit,
		prober:   prober,
		interval: DefaultInterval,
		logger:   slog.Default(),
		locator:  geoip.Nop{},
		now:      time.Now,
	}
	m.abort = m.exitProcess
	for _, opt := range opts {
		opt(m)
	}
	if m.probeTimeout == 0 {
		m.probeTimeout = m.interval
	}
	return m, nil
}

// exitProcess is the default abort hook. It exits without running deferred
// cleanup: after a leak nothing else may touch the network.
func (m *Monitor) exitProcess(ev LeakEvent) {
	m.logger.Error("IDENTITY LEAK DETECTED: traffic through the proxy is observed under the direct identity, aborting",
		"endpoint", ev.Endpoint.String(),
		"baseline", ev.Observed.Address,
	)
	os.Exit(ExitCodeLeak)
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the monitoring goroutine. The first check runs
// immediately; later checks run every interval. The goroutine ends when
// ctx is done, when Stop is called, or after a leak was reported.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning

	go m.run(ctx)

	m.logger.Info("leak monitor started", "endpoint", m.endpoint.String(), "interval", m.interval)
	return nil
}

// Stop ends monitoring and waits for the goroutine to return. It is safe
// to call more than once and before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	prev := m.state
	m.state = StateStopped
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if prev != StateRunning {
		return
	}
	cancel()
	<-done
	m.logger.Info("leak monitor stopped")
}

// Done is closed when the monitoring goroutine has returned. It is nil
// before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// run is the monitoring loop.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if leaked := m.check(ctx); leaked {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check performs one probe and reports whether a leak was handled.
func (m *Monitor) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	via := m.endpoint
	current, err := m.prober.Probe(probeCtx, &via)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// A failed probe proves nothing either way; the next tick retries.
		m.logger.Warn("leak monitor probe failed", "error", err)
		return false
	}

	if identity.Same(current, m.baseline) {
		m.abort(LeakEvent{Endpoint: m.endpoint, Observed: current, DetectedAt: m.now()})
		return true
	}

	if !identity.Same(current, m.lastExit) {
		rot := Rotation{Endpoint: m.endpoint, Previous: m.lastExit, Current: current, At: m.now()}
		m.lastExit = current
		m.logger.Info("exit identity rotated",
			"previous", rot.Previous.Address,
			"exit", rot.Current.Address,
			"exit_country", m.locator.Country(rot.Current.Address),
		)
		if m.onRotate != nil {
			m.onRotate(rot)
		}
		return false
	}

	m.logger.Debug("identity check passed", "exit", current.Address)
	return false
}
