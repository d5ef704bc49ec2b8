// Package session owns the authentication session lifecycle: cold start,
// login, logout, background renewal and adoption of login flows completed
// outside the controller (redirect-based federated login).
//
// The controller is the only writer of the in-memory credential and the
// stored identity. isAuthenticated is derived from {userID, token} on every
// read and never stored; a stored flag can go stale against the pair and
// that divergence produces both false logouts and cross-account leakage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	authapi "arc/client/auth/api"
	"arc/client/auth/token"
	"arc/client/metrics"
	"arc/client/selection"
	"arc/client/transport"
)

// ErrGateRequired is returned when an operation needs the renewal gate and
// none was configured.
var ErrGateRequired = errors.New("session: renewal gate not configured")

// State is the controller's coarse lifecycle state. Unknown lasts from
// construction until the first definitive answer (adopted credential,
// renewal success, or definitive rejection).
type State int32

const (
	StateUnknown State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// AuthAPI is the slice of the auth client the controller drives.
type AuthAPI interface {
	Login(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error)
	Refresh(ctx context.Context) (authapi.Session, error)
	Logout(ctx context.Context, accessToken string) error
}

// RenewalGate coalesces concurrent renewal attempts onto one flight.
// *transport.Gate implements it.
type RenewalGate interface {
	Renew(ctx context.Context) (string, error)
}

// Hooks are the teardown collaborators invoked on logout, session expiry and
// identity switches. Nil hooks are skipped.
type Hooks struct {
	// DisconnectRealtime tears the push channel down synchronously.
	DisconnectRealtime func(reason string)
	// PurgeCache drops every cache entry and any persisted snapshot.
	PurgeCache func(ctx context.Context) error
}

type Controller struct {
	cfg    Config
	api    AuthAPI
	tokens *token.Store
	sel    selection.Store
	hooks  Hooks
	log    *slog.Logger
	mets   *metrics.Metrics

	mu            sync.Mutex
	gate          RenewalGate
	userID        string
	started       bool
	externalLogin bool

	opsMu     sync.Mutex
	opsCtx    context.Context
	opsCancel context.CancelFunc
}

// New builds a controller. api, tokens and sel are required; mets may be nil.
func New(cfg Config, api AuthAPI, tokens *token.Store, sel selection.Store, hooks Hooks, log *slog.Logger, mets *metrics.Metrics) (*Controller, error) {
	if api == nil {
		return nil, fmt.Errorf("session: auth api is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("session: token store is required")
	}
	if sel == nil {
		return nil, fmt.Errorf("session: selection store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ProactiveInterval <= 0 {
		cfg.ProactiveInterval = def.ProactiveInterval
	}
	if cfg.RenewAhead <= 0 {
		cfg.RenewAhead = def.RenewAhead
	}

	opsCtx, opsCancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		api:       api,
		tokens:    tokens,
		sel:       sel,
		hooks:     hooks,
		log:       log,
		mets:      mets,
		opsCtx:    opsCtx,
		opsCancel: opsCancel,
	}, nil
}

// SetRenewalGate wires the gate. The gate's renewer is usually this
// controller's RenewOnce, so the two are bound after construction.
func (c *Controller) SetRenewalGate(g RenewalGate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = g
}

func (c *Controller) currentGate() RenewalGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// IsAuthenticated derives the answer from the {identity, credential} pair.
func (c *Controller) IsAuthenticated() bool {
	c.mu.Lock()
	uid := c.userID
	c.mu.Unlock()
	return uid != "" && c.tokens.Token() != ""
}

// UserID returns the stored identity, empty when logged out.
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State reports Unknown until the first definitive outcome, then derives
// from the credential pair.
func (c *Controller) State() State {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return StateUnknown
	}
	if c.IsAuthenticated() {
		return StateAuthenticated
	}
	return StateUnauthenticated
}

// OperationsContext returns the context data operations should derive from.
// Logout and session expiry cancel it, so calls in flight at teardown time
// are cut off before the credential is cleared.
func (c *Controller) OperationsContext() context.Context {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	return c.opsCtx
}

func (c *Controller) cancelOperations() {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	c.opsCancel()
	c.opsCtx, c.opsCancel = context.WithCancel(context.Background())
}

// RenewOnce performs a single renewal attempt and installs the result. It
// is the gate's renewer; nothing else should call it, or renewals stop being
// single-flight.
func (c *Controller) RenewOnce(ctx context.Context) (string, error) {
	sess, err := c.api.Refresh(ctx)
	if err != nil {
		return "", err
	}

	uid, uidErr := token.UserID(sess.AccessToken)
	c.tokens.SetToken(sess.AccessToken)
	if uidErr != nil {
		c.log.Warn("session.renew.identity_decode.fail", "err", uidErr)
	} else {
		c.adoptIdentity(ctx, uid)
	}
	c.publishState()
	return sess.AccessToken, nil
}

// adoptIdentity installs uid as the current identity. When it replaces a
// different identity, the previous identity's selection and cache are
// cleared first so nothing of theirs is observable afterwards.
func (c *Controller) adoptIdentity(ctx context.Context, uid string) {
	c.mu.Lock()
	prev := c.userID
	c.userID = uid
	c.mu.Unlock()

	if prev == "" || prev == uid {
		return
	}

	c.log.Info("session.identity.switch", "prev_user_id", prev, "user_id", uid)
	if c.hooks.DisconnectRealtime != nil {
		c.hooks.DisconnectRealtime("identity switch")
	}
	if err := c.sel.Clear(ctx, prev); err != nil {
		c.log.Error("session.identity.switch.selection_clear.fail", "err", err, "user_id", prev)
	}
	if c.hooks.PurgeCache != nil {
		if err := c.hooks.PurgeCache(ctx); err != nil {
			c.log.Error("session.identity.switch.cache_purge.fail", "err", err)
		}
	}
}

// Start resolves the cold-start state. A held credential is adopted without
// a renewal call; otherwise one silent renewal decides. Transient renewal
// trouble leaves the state Unknown and returns the error so the caller can
// try again later; a definitive rejection is an answer, not an error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if tok := c.tokens.Token(); tok != "" {
		uid, err := token.UserID(tok)
		if err != nil {
			c.log.Warn("session.start.adopt.identity_decode.fail", "err", err)
			c.tokens.ClearToken()
		} else {
			c.mu.Lock()
			if c.userID == "" {
				c.userID = uid
			}
			c.started = true
			c.mu.Unlock()
			c.publishState()
			c.log.Info("session.start.adopt", "user_id", uid)
			return nil
		}
	}

	gate := c.currentGate()
	if gate == nil {
		return ErrGateRequired
	}

	_, err := gate.Renew(ctx)
	switch {
	case err == nil:
		c.markStarted()
		c.log.Info("session.start.renew.ok", "user_id", c.UserID())
		return nil
	case errors.Is(err, transport.ErrSessionExpired):
		// A credential may have landed mid-flight (fresh login or federated
		// completion); then the rejection is noise about a dead session.
		if c.IsAuthenticated() {
			c.log.Info("session.start.renew.rejected_race_ignored")
		} else {
			c.log.Info("session.start.unauthenticated")
		}
		c.markStarted()
		return nil
	default:
		c.log.Warn("session.start.renew.fail", "err", err)
		return err
	}
}

func (c *Controller) markStarted() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.publishState()
}

// Login exchanges credentials for a session and installs it.
func (c *Controller) Login(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error) {
	res, err := c.api.Login(ctx, creds)
	if err != nil {
		return authapi.LoginResult{}, err
	}

	uid := res.User.ID
	if uid == "" {
		if derived, derr := token.UserID(res.Session.AccessToken); derr == nil {
			uid = derived
		}
	}

	c.tokens.SetToken(res.Session.AccessToken)
	c.adoptIdentity(ctx, uid)

	c.mu.Lock()
	c.started = true
	c.externalLogin = false
	c.mu.Unlock()

	c.publishState()
	c.log.Info("session.login.ok", "user_id", uid)
	return res, nil
}

// Logout tears the session down. The order is load-bearing:
//
//  1. best-effort server revocation while the credential still exists;
//  2. cancel in-flight data operations and disconnect realtime, so nothing
//     can complete against a credential that is about to be cleared;
//  3. clear the credential, then the identity (isAuthenticated turns false
//     by derivation);
//  4. clear the departing identity's project selection;
//  5. purge the cache and its persisted snapshot.
//
// Local cleanup always runs to completion; the returned error aggregates
// selection/purge failures, which matter because they are leakage risks.
func (c *Controller) Logout(ctx context.Context) error {
	if tok := c.tokens.Token(); tok != "" {
		if err := c.api.Logout(ctx, tok); err != nil {
			c.log.Warn("session.logout.revoke.fail", "err", err)
		}
	}

	c.cancelOperations()
	if c.hooks.DisconnectRealtime != nil {
		c.hooks.DisconnectRealtime("logout")
	}

	c.tokens.ClearToken()

	c.mu.Lock()
	uid := c.userID
	c.userID = ""
	c.externalLogin = false
	c.started = true
	c.mu.Unlock()

	var errs []error
	if uid != "" {
		if err := c.sel.Clear(ctx, uid); err != nil {
			c.log.Error("session.logout.selection_clear.fail", "err", err, "user_id", uid)
			errs = append(errs, fmt.Errorf("clear selection: %w", err))
		}
	}
	if c.hooks.PurgeCache != nil {
		if err := c.hooks.PurgeCache(ctx); err != nil {
			c.log.Error("session.logout.cache_purge.fail", "err", err)
			errs = append(errs, fmt.Errorf("purge cache: %w", err))
		}
	}

	c.publishState()
	c.log.Info("session.logout.ok", "user_id", uid)
	return errors.Join(errs...)
}

// BeginExternalLogin marks a redirect-based login flow as in flight. While
// the flag is set the controller issues no renewals of its own: a renewal
// rejection racing the external completion must never clear a credential
// the flow just set.
func (c *Controller) BeginExternalLogin() {
	c.mu.Lock()
	c.externalLogin = true
	c.mu.Unlock()
	c.log.Info("session.external.begin")
}

// CompleteExternalLogin adopts a credential injected by an external flow.
// On success the in-progress flag clears; on a malformed token it stays set
// and the caller decides between retrying and AbortExternalLogin.
func (c *Controller) CompleteExternalLogin(ctx context.Context, accessToken string) error {
	uid, err := token.UserID(accessToken)
	if err != nil {
		return fmt.Errorf("session: external credential: %w", err)
	}

	c.tokens.SetToken(accessToken)
	c.adoptIdentity(ctx, uid)

	c.mu.Lock()
	c.externalLogin = false
	c.started = true
	c.mu.Unlock()

	c.publishState()
	c.log.Info("session.external.complete", "user_id", uid)
	return nil
}

// AbortExternalLogin clears the in-progress flag after a failed flow.
func (c *Controller) AbortExternalLogin() {
	c.mu.Lock()
	c.externalLogin = false
	c.mu.Unlock()
	c.log.Info("session.external.abort")
}

// ExternalLoginInProgress reports whether an external flow holds the
// renewal suppression flag.
func (c *Controller) ExternalLoginInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.externalLogin
}

// OnSessionExpired is the gate's definitive-rejection hook. It ignores the
// rejection when an external login is in flight or a fresh credential is
// already installed (both mean the rejection described a superseded
// session), and otherwise runs the local part of the logout ordering.
func (c *Controller) OnSessionExpired(cause error) {
	c.mu.Lock()
	ext := c.externalLogin
	c.mu.Unlock()
	if ext {
		c.log.Info("session.expired.ignored_external_login", "err", cause)
		return
	}
	if tok := c.tokens.Token(); tok != "" && !token.IsExpired(tok, 0) {
		c.log.Info("session.expired.ignored_fresh_credential", "err", cause)
		return
	}

	c.log.Warn("session.expired", "err", cause)

	c.cancelOperations()
	if c.hooks.DisconnectRealtime != nil {
		c.hooks.DisconnectRealtime("session expired")
	}

	c.tokens.ClearToken()

	c.mu.Lock()
	uid := c.userID
	c.userID = ""
	c.started = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uid != "" {
		if err := c.sel.Clear(ctx, uid); err != nil {
			c.log.Error("session.expired.selection_clear.fail", "err", err, "user_id", uid)
		}
	}
	if c.hooks.PurgeCache != nil {
		if err := c.hooks.PurgeCache(ctx); err != nil {
			c.log.Error("session.expired.cache_purge.fail", "err", err)
		}
	}
	c.publishState()
}

// Run drives the proactive renewal loop until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ProactiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.maybeRenew(ctx, "proactive")
		}
	}
}

// Recheck re-evaluates the credential immediately. The daemon calls it on
// foreground/wake signals; suspended timers make the periodic loop alone
// unreliable and skipping this produces apparent random session loss.
func (c *Controller) Recheck(ctx context.Context) {
	c.maybeRenew(ctx, "recheck")
}

func (c *Controller) maybeRenew(ctx context.Context, reason string) {
	if c.ExternalLoginInProgress() {
		c.log.Debug("session.renew.skip_external_login", "reason", reason)
		return
	}
	tok := c.tokens.Token()
	if tok == "" {
		return
	}
	if !token.IsExpired(tok, c.cfg.RenewAhead) {
		return
	}
	gate := c.currentGate()
	if gate == nil {
		return
	}

	c.log.Info("session.renew.begin", "reason", reason)
	if _, err := gate.Renew(ctx); err != nil {
		// Failures here never clear the session; only the gate's
		// definitive-rejection path may do that.
		c.log.Warn("session.renew.fail", "reason", reason, "err", err)
	}
}

func (c *Controller) publishState() {
	switch c.State() {
	case StateAuthenticated:
		c.mets.SessionStateSet(metrics.SessionStateAuthenticated)
	case StateUnauthenticated:
		c.mets.SessionStateSet(metrics.SessionStateUnauthenticated)
	default:
		c.mets.SessionStateSet(metrics.SessionStateUnknown)
	}
}
