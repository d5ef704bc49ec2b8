package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	authapi "arc/client/auth/api"
	"arc/client/metrics"
)

// Renewer performs a single credential renewal attempt and returns the new
// access token. Implementations report definitive rejections with errors
// matching authapi.ErrUnauthorized or authapi.ErrForbidden; anything else is
// treated as transient.
type Renewer interface {
	Renew(ctx context.Context) (string, error)
}

// RenewerFunc adapts a function to the Renewer interface.
type RenewerFunc func(ctx context.Context) (string, error)

func (f RenewerFunc) Renew(ctx context.Context) (string, error) { return f(ctx) }

// GateConfig tunes the renewal gate.
type GateConfig struct {
	// MaxRetries is the number of extra attempts after the first, taken
	// only for transient failures.
	MaxRetries int
	// RetryBase is the delay before the first retry. It doubles on each
	// subsequent retry.
	RetryBase time.Duration
	// RenewTimeout bounds one whole renewal flight including retries.
	RenewTimeout time.Duration
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxRetries:   3,
		RetryBase:    150 * time.Millisecond,
		RenewTimeout: 30 * time.Second,
	}
}

type renewOutcome struct {
	token string
	err   error
}

type renewWaiter struct {
	ch        chan renewOutcome
	abandoned chan struct{}
}

type renewFlight struct {
	waiters []*renewWaiter
}

// Gate is the single renewal authority. Every caller that needs a fresh
// access token goes through Renew: concurrent calls coalesce onto one
// in-flight renewal, and when it settles the waiters are released strictly
// in arrival order so replays happen in the order the originals were issued.
type Gate struct {
	cfg     GateConfig
	renewer Renewer
	log     *slog.Logger
	mets    *metrics.Metrics

	mu      sync.Mutex
	flight  *renewFlight
	expired func(error)
}

// NewGate builds a renewal gate around renewer. mets may be nil.
func NewGate(cfg GateConfig, renewer Renewer, log *slog.Logger, mets *metrics.Metrics) (*Gate, error) {
	if renewer == nil {
		return nil, fmt.Errorf("transport: renewer is required")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultGateConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = def.RenewTimeout
	}
	return &Gate{cfg: cfg, renewer: renewer, log: log, mets: mets}, nil
}

// SetSessionExpiredHook registers fn to run exactly once per definitive
// renewal failure, before the queued waiters are released with the error.
func (g *Gate) SetSessionExpiredHook(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = fn
}

// Renew returns a fresh access token, joining the in-flight renewal when one
// exists. The returned error is ErrSessionExpired for definitive rejections
// and ErrRenewalFailed when retries were exhausted on transient trouble; in
// the latter case existing session state remains intact.
func (g *Gate) Renew(ctx context.Context) (string, error) {
	w := &renewWaiter{
		ch:        make(chan renewOutcome),
		abandoned: make(chan struct{}),
	}

	g.mu.Lock()
	if g.flight == nil {
		f := &renewFlight{}
		g.flight = f
		go g.run(f)
	}
	g.flight.waiters = append(g.flight.waiters, w)
	g.mu.Unlock()

	g.mets.WaiterDelta(1)
	defer g.mets.WaiterDelta(-1)

	select {
	case out := <-w.ch:
		return out.token, out.err
	case <-ctx.Done():
		close(w.abandoned)
		return "", ctx.Err()
	}
}

// run executes one renewal flight and fans the outcome out to the waiters.
// It deliberately detaches from any caller context: the renewal serves every
// queued request, not just the one that happened to trigger it.
func (g *Gate) run(f *renewFlight) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RenewTimeout)
	token, err := g.execute(ctx)
	cancel()

	switch {
	case err == nil:
		g.mets.RenewalObserved(metrics.OutcomeSuccess)
		g.log.Info("auth.renew.ok")
	case errors.Is(err, ErrSessionExpired):
		g.mets.RenewalObserved(metrics.OutcomeExpired)
		g.log.Warn("auth.renew.expired", "err", err)
	default:
		g.mets.RenewalObserved(metrics.OutcomeTransient)
		g.log.Warn("auth.renew.fail", "err", err)
	}

	g.mu.Lock()
	waiters := f.waiters
	g.flight = nil
	expired := g.expired
	g.mu.Unlock()

	if errors.Is(err, ErrSessionExpired) && expired != nil {
		expired(err)
	}

	g.release(waiters, renewOutcome{token: token, err: err})
}

// release hands the outcome to each waiter in arrival order. The sends are
// unbuffered, so waiter N+1 cannot be released before waiter N has taken its
// outcome; replays therefore start in the order the originals were issued.
func (g *Gate) release(waiters []*renewWaiter, out renewOutcome) {
	for _, w := range waiters {
		select {
		case w.ch <- out:
		case <-w.abandoned:
		}
	}
}

func (g *Gate) execute(ctx context.Context) (string, error) {
	delay := g.cfg.RetryBase
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.log.Info("auth.renew.retry", "attempt", attempt, "delay", delay.String(), "err", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", fmt.Errorf("%w: %w", ErrRenewalFailed, ctx.Err())
			}
			delay *= 2
		}

		token, err := g.renewer.Renew(ctx)
		if err == nil {
			return token, nil
		}
		if authapi.IsDefinitiveRenewalFailure(err) {
			return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrRenewalFailed, g.cfg.MaxRetries+1, lastErr)
}
