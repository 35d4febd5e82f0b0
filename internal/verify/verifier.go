package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
)

// DefaultReachabilityTimeout bounds the TCP connect to a candidate.
const DefaultReachabilityTimeout = 3 * time.Second

// Checker performs the cheap pre-probe check of a candidate endpoint.
// A non-nil error skips the candidate.
type Checker func(ctx context.Context, ep tor.Endpoint) error

// Result is a verified endpoint together with the identities that proved it.
// It is immutable once returned.
type Result struct {
	// Endpoint is the verified proxy.
	Endpoint tor.Endpoint
	// Baseline is the direct identity. It must never be logged unredacted.
	Baseline identity.Identity
	// Exit is the identity observed through Endpoint at verification time.
	Exit identity.Identity
	// VerifiedAt is when the comparison succeeded.
	VerifiedAt time.Time
}

// Verifier selects the first candidate endpoint whose exit identity differs
// from the direct identity.
type Verifier struct {
	prober   identity.Prober
	checker  Checker
	logger   *slog.Logger
	locator  geoip.Locator
	now      func() time.Time
	reachTTL time.Duration
	socks    bool
	onBase   func(identity.Identity)

	// mu guards baseline. The baseline is captured once per verifier and
	// reused for every candidate and every later Verify call.
	mu       sync.Mutex
	baseline *identity.Identity
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithChecker replaces the reachability check.
func WithChecker(c Checker) Option {
	return func(v *Verifier) {
		if c != nil {
			v.checker = c
		}
	}
}

// WithReachabilityTimeout sets the timeout of the default reachability check.
func WithReachabilityTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.reachTTL = d
		}
	}
}

// WithSOCKSHandshake makes the default check also perform a SOCKS5
// handshake, rejecting ports that accept TCP but are not SOCKS5 proxies.
func WithSOCKSHandshake(enabled bool) Option {
	return func(v *Verifier) {
		v.socks = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithLocator annotates the exit identity with its country in logs.
func WithLocator(l geoip.Locator) Option {
	return func(v *Verifier) {
		if l != nil {
			v.locator = l
		}
	}
}

// WithBaselineHook calls fn once when the baseline is first captured,
// before it is used or logged. Callers register the address with a log
// redactor here.
func WithBaselineHook(fn func(identity.Identity)) Option {
	return func(v *Verifier) {
		v.onBase = fn
	}
}

// WithClock sets the clock used for Result.VerifiedAt.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// New creates a Verifier that uses prober for both the direct and the
// proxied identity.
func New(prober identity.Prober, opts ...Option) *Verifier {
	v := &Verifier{
		prober:   prober,
		logger:   slog.Default(),
		locator:  geoip.Nop{},
		now:      time.Now,
		reachTTL: DefaultReachabilityTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.checker == nil {
		v.checker = v.defaultCheck
	}
	return v
}

// defaultCheck is a TCP connect, optionally followed by a SOCKS5 handshake.
func (v *Verifier) defaultCheck(ctx context.Context, ep tor.Endpoint) error {
	if err := tor.CheckReachable(ctx, ep, v.reachTTL); err != nil {
		return err
	}
	if !v.socks {
		return nil
	}
	client, err := tor.NewClient(ep, v.reachTTL)
	if err != nil {
		return err
	}
	return client.CheckConnection(ctx).Error()
}

// Verify walks candidates in order. For each one it
//  1. checks reachability, skipping unreachable candidates
//  2. probes the identity through the candidate
//  3. obtains the direct baseline (probed once, then cached)
//  4. accepts the candidate if the two identities differ
//
// It returns a *VerificationError, which matches ErrNoWorkingProxy, when
// no candidate is accepted. A baseline that cannot be obtained ends
// verification immediately, because no candidate can then be proven.
func (v *Verifier) Verify(ctx context.Context, candidates []tor.Endpoint) (*Result, error) {
	verr := &VerificationError{Reason: ReasonNoWorkingProxy}

	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := v.logger.With("endpoint", ep.String())

		if err := v.checker(ctx, ep); err != nil {
			log.Debug("candidate not reachable", "error", err)
			verr.Attempts = append(verr.Attempts, CandidateAttempt{Endpoint: ep, Stage: StageReachability, Err: err})
			continue
		}

		via := ep
		exit, err := v.prober.Probe(ctx, &via)
		if err != nil {
			log.Warn("identity probe through candidate failed", "error", err)
			verr.Attempts = append(verr.Attempts, CandidateAttempt{Endpoint: ep, Stage: StageProbe, Err: err})
			continue
		}

		baseline, err := v.Baseline(ctx)
		if err != nil {
			verr.Reason = ReasonBaselineUnavailable
			verr.Err = err
			verr.Attempts = append(verr.Attempts, CandidateAttempt{Endpoint: ep, Stage: StageBaseline, Err: err})
			return nil, verr
		}

		if identity.Same(exit, baseline) {
			// exit equals the baseline here, so neither is logged.
			log.Error("proxy does not change the observed identity", "exit_family", exit.Family.String())
			verr.Attempts = append(verr.Attempts, CandidateAttempt{Endpoint: ep, Stage: StageIdentity, Err: ErrSameIdentity})
			continue
		}

		log.Info("proxy verified",
			"exit", exit.Address,
			"exit_family", exit.Family.String(),
			"exit_country", v.locator.Country(exit.Address),
		)
		return &Result{
			Endpoint:   ep,
			Baseline:   baseline,
			Exit:       exit,
			VerifiedAt: v.now(),
		}, nil
	}

	return nil, verr
}

// Baseline returns the direct identity, probing it on first use. Failures
// are not cached; a later call probes again.
func (v *Verifier) Baseline(ctx context.Context) (identity.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.baseline != nil {
		return *v.baseline, nil
	}

	id, err := v.prober.Probe(ctx, nil)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("baseline probe: %w", err)
	}
	v.baseline = &id
	if v.onBase != nil {
		v.onBase(id)
	}
	v.logger.Debug("baseline identity captured", "baseline", id.Address, "baseline_family", id.Family.String())
	return id, nil
}
