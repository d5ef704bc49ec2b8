package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	authapi "arc/client/auth/api"
	"arc/client/auth/token"
	"arc/client/selection"
	"arc/client/transport"
)

func mintToken(t *testing.T, uid string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"uid": uid, "sid": "s1", "exp": exp.Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

type fakeAPI struct {
	mu        sync.Mutex
	loginFn   func(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error)
	refreshFn func(ctx context.Context) (authapi.Session, error)
	logoutFn  func(ctx context.Context, accessToken string) error

	refreshCalls int
	logoutTokens []string
}

func (f *fakeAPI) Login(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error) {
	if f.loginFn == nil {
		return authapi.LoginResult{}, errors.New("login not scripted")
	}
	return f.loginFn(ctx, creds)
}

func (f *fakeAPI) Refresh(ctx context.Context) (authapi.Session, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshFn == nil {
		return authapi.Session{}, errors.New("refresh not scripted")
	}
	return f.refreshFn(ctx)
}

func (f *fakeAPI) Logout(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	f.logoutTokens = append(f.logoutTokens, accessToken)
	f.mu.Unlock()
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(ctx, accessToken)
}

func (f *fakeAPI) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fakeGate struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (string, error)
}

func (g *fakeGate) Renew(ctx context.Context) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.fn == nil {
		return "", errors.New("renew not scripted")
	}
	return g.fn(ctx)
}

func (g *fakeGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// hookedSelection wraps a real store and reports Clear calls.
type hookedSelection struct {
	selection.Store
	onClear func(ctx context.Context, userID string)
}

func (h *hookedSelection) Clear(ctx context.Context, userID string) error {
	if h.onClear != nil {
		h.onClear(ctx, userID)
	}
	return h.Store.Clear(ctx, userID)
}

func newTestController(t *testing.T, api AuthAPI, sel selection.Store, hooks Hooks) (*Controller, *token.Store) {
	t.Helper()
	tokens := token.NewStore()
	if sel == nil {
		sel = selection.NewMemoryStore()
	}
	ctrl, err := New(DefaultConfig(), api, tokens, sel, hooks, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctrl, tokens
}

// wireRealGate runs renewals through a real transport gate so the
// controller's RenewOnce and OnSessionExpired paths are exercised together.
func wireRealGate(t *testing.T, ctrl *Controller) {
	t.Helper()
	gate, err := transport.NewGate(transport.GateConfig{
		MaxRetries:   0,
		RetryBase:    time.Millisecond,
		RenewTimeout: 5 * time.Second,
	}, transport.RenewerFunc(ctrl.RenewOnce), nil, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gate.SetSessionExpiredHook(ctrl.OnSessionExpired)
	ctrl.SetRenewalGate(gate)
}

func TestStartAdoptsInjectedCredential(t *testing.T) {
	api := &fakeAPI{}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})
	wireRealGate(t, ctrl)

	tokens.SetToken(mintToken(t, "u1", time.Now().Add(time.Hour)))

	if got := ctrl.State(); got != StateUnknown {
		t.Fatalf("pre-start state = %v, want unknown", got)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", got)
	}
	if got := ctrl.UserID(); got != "u1" {
		t.Fatalf("user id = %q, want u1", got)
	}
	if got := api.refreshCount(); got != 0 {
		t.Fatalf("refresh calls = %d, want 0 (adoption skips renewal)", got)
	}
}

func TestStartRenewsWithoutCredential(t *testing.T) {
	api := &fakeAPI{}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})
	wireRealGate(t, ctrl)

	minted := mintToken(t, "u1", time.Now().Add(time.Hour))
	api.refreshFn = func(ctx context.Context) (authapi.Session, error) {
		return authapi.Session{SessionID: "s1", AccessToken: minted}, nil
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", got)
	}
	if got := ctrl.UserID(); got != "u1" {
		t.Fatalf("user id = %q, want u1", got)
	}
	if got := tokens.Token(); got != minted {
		t.Fatalf("token not installed")
	}
	if got := api.refreshCount(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestStartDefinitiveRejectionWithoutCredential(t *testing.T) {
	api := &fakeAPI{
		refreshFn: func(ctx context.Context) (authapi.Session, error) {
			return authapi.Session{}, &authapi.APIError{StatusCode: 401, Code: authapi.CodeSessionNotActive}
		},
	}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})
	wireRealGate(t, ctrl)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v (definitive rejection is an answer, not an error)", err)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("state = %v, want unauthenticated", got)
	}
	if tokens.Token() != "" {
		t.Fatal("token should remain empty")
	}
}

func TestStartRejectionRacingFreshCredentialKeepsSession(t *testing.T) {
	freshTok := mintToken(t, "u2", time.Now().Add(time.Hour))

	api := &fakeAPI{}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})
	wireRealGate(t, ctrl)

	// The rejection lands while an external completion has already
	// installed a fresh credential for u2.
	api.refreshFn = func(ctx context.Context) (authapi.Session, error) {
		if err := ctrl.CompleteExternalLogin(context.Background(), freshTok); err != nil {
			t.Errorf("CompleteExternalLogin: %v", err)
		}
		return authapi.Session{}, &authapi.APIError{StatusCode: 401, Code: authapi.CodeRefreshReuseDetected}
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated (rejection was noise)", got)
	}
	if got := tokens.Token(); got != freshTok {
		t.Fatal("fresh credential was clobbered by a stale rejection")
	}
	if got := ctrl.UserID(); got != "u2" {
		t.Fatalf("user id = %q, want u2", got)
	}
}

func TestStartTransientFailurePreservesUnknown(t *testing.T) {
	api := &fakeAPI{
		refreshFn: func(ctx context.Context) (authapi.Session, error) {
			return authapi.Session{}, errors.New("dial tcp: connection refused")
		},
	}
	ctrl, _ := newTestController(t, api, nil, Hooks{})
	wireRealGate(t, ctrl)

	err := ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("expected transient error to surface")
	}
	if got := ctrl.State(); got != StateUnknown {
		t.Fatalf("state = %v, want unknown preserved on transient failure", got)
	}

	// A later Start can still succeed.
	minted := mintToken(t, "u1", time.Now().Add(time.Hour))
	api.refreshFn = func(ctx context.Context) (authapi.Session, error) {
		return authapi.Session{AccessToken: minted}, nil
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", got)
	}
}

func TestLoginInstallsSession(t *testing.T) {
	minted := mintToken(t, "u1", time.Now().Add(time.Hour))
	api := &fakeAPI{
		loginFn: func(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error) {
			if creds.Identifier != "navid" || creds.Password != "pw" {
				t.Errorf("unexpected credentials: %+v", creds)
			}
			return authapi.LoginResult{
				User:    authapi.User{ID: "u1"},
				Session: authapi.Session{AccessToken: minted},
			}, nil
		},
	}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})

	res, err := ctrl.Login(context.Background(), authapi.Credentials{Identifier: "navid", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != "u1" {
		t.Fatalf("result user = %q", res.User.ID)
	}
	if !ctrl.IsAuthenticated() {
		t.Fatal("expected authenticated after login")
	}
	if got := tokens.Token(); got != minted {
		t.Fatal("token not installed for subsequent calls")
	}
}

func TestLogoutOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(ev string) {
		mu.Lock()
		order = append(order, ev)
		mu.Unlock()
	}

	minted := mintToken(t, "u1", time.Now().Add(time.Hour))

	var tokens *token.Store
	api := &fakeAPI{
		logoutFn: func(ctx context.Context, accessToken string) error {
			if accessToken != minted {
				t.Errorf("revocation token = %q, want the held credential", accessToken)
			}
			record("revoke")
			return nil
		},
	}

	sel := &hookedSelection{Store: selection.NewMemoryStore()}
	sel.onClear = func(ctx context.Context, userID string) {
		if userID != "u1" {
			t.Errorf("selection cleared for %q, want u1", userID)
		}
		if tokens.Token() != "" {
			t.Error("selection cleared before the credential")
		}
		record("selection")
	}

	hooks := Hooks{
		DisconnectRealtime: func(reason string) {
			if tokens.Token() == "" {
				t.Error("realtime disconnected after the credential was cleared")
			}
			record("disconnect")
		},
		PurgeCache: func(ctx context.Context) error {
			if tokens.Token() != "" {
				t.Error("cache purged before the credential was cleared")
			}
			record("purge")
			return nil
		},
	}

	ctrl, tk := newTestController(t, api, sel, hooks)
	tokens = tk

	if err := ctrl.CompleteExternalLogin(context.Background(), minted); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}
	if err := sel.Set(context.Background(), "u1", "P"); err != nil {
		t.Fatalf("seed selection: %v", err)
	}

	opsBefore := ctrl.OperationsContext()

	if err := ctrl.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"revoke", "disconnect", "selection", "purge"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if !errors.Is(opsBefore.Err(), context.Canceled) {
		t.Fatal("in-flight operations context was not cancelled")
	}
	if ctrl.OperationsContext() == opsBefore {
		t.Fatal("operations context was not rotated")
	}
	if ctrl.IsAuthenticated() {
		t.Fatal("still authenticated after logout")
	}
	if _, err := sel.Get(context.Background(), "u1"); !errors.Is(err, selection.ErrNoSelection) {
		t.Fatalf("selection survives logout: %v", err)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("state = %v, want unauthenticated", got)
	}
}

func TestLogoutRevocationFailureStillCleansUp(t *testing.T) {
	minted := mintToken(t, "u1", time.Now().Add(time.Hour))
	api := &fakeAPI{
		logoutFn: func(ctx context.Context, accessToken string) error {
			return errors.New("server unreachable")
		},
	}
	purged := false
	ctrl, tokens := newTestController(t, api, nil, Hooks{
		PurgeCache: func(ctx context.Context) error { purged = true; return nil },
	})
	if err := ctrl.CompleteExternalLogin(context.Background(), minted); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}

	if err := ctrl.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v (revocation failure must not surface)", err)
	}
	if tokens.Token() != "" || ctrl.UserID() != "" {
		t.Fatal("local state not cleared")
	}
	if !purged {
		t.Fatal("cache not purged")
	}
}

func TestExternalLoginSuppressesControllerRenewal(t *testing.T) {
	api := &fakeAPI{}
	ctrl, tokens := newTestController(t, api, nil, Hooks{})

	gate := &fakeGate{fn: func(ctx context.Context) (string, error) {
		fresh := mintToken(t, "u1", time.Now().Add(time.Hour))
		tokens.SetToken(fresh)
		return fresh, nil
	}}
	ctrl.SetRenewalGate(gate)

	// Expiring credential would normally trigger a renewal on recheck.
	tokens.SetToken(mintToken(t, "u1", time.Now().Add(time.Minute)))

	ctrl.BeginExternalLogin()
	ctrl.Recheck(context.Background())
	if got := gate.count(); got != 0 {
		t.Fatalf("renewals during external login = %d, want 0", got)
	}

	ctrl.AbortExternalLogin()
	ctrl.Recheck(context.Background())
	if got := gate.count(); got != 1 {
		t.Fatalf("renewals after abort = %d, want 1", got)
	}
}

func TestOnSessionExpiredIgnoredDuringExternalLogin(t *testing.T) {
	minted := mintToken(t, "u1", time.Now().Add(-time.Minute))
	ctrl, tokens := newTestController(t, &fakeAPI{}, nil, Hooks{})

	if err := ctrl.CompleteExternalLogin(context.Background(), minted); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}
	ctrl.BeginExternalLogin() // a second flow is in flight

	ctrl.OnSessionExpired(errors.New("definitive rejection"))

	if tokens.Token() != minted || ctrl.UserID() != "u1" {
		t.Fatal("expiry teardown ran while an external login was in flight")
	}
}

func TestOnSessionExpiredIgnoredWithFreshCredential(t *testing.T) {
	fresh := mintToken(t, "u1", time.Now().Add(time.Hour))
	ctrl, tokens := newTestController(t, &fakeAPI{}, nil, Hooks{})
	if err := ctrl.CompleteExternalLogin(context.Background(), fresh); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}

	ctrl.OnSessionExpired(errors.New("stale rejection"))

	if tokens.Token() != fresh || !ctrl.IsAuthenticated() {
		t.Fatal("fresh credential was destroyed by a stale rejection")
	}
}

func TestOnSessionExpiredTearsDownStaleSession(t *testing.T) {
	stale := mintToken(t, "u1", time.Now().Add(-time.Minute))

	sel := selection.NewMemoryStore()
	disconnected := ""
	purged := false
	ctrl, tokens := newTestController(t, &fakeAPI{}, sel, Hooks{
		DisconnectRealtime: func(reason string) { disconnected = reason },
		PurgeCache:         func(ctx context.Context) error { purged = true; return nil },
	})

	if err := ctrl.CompleteExternalLogin(context.Background(), stale); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}
	if err := sel.Set(context.Background(), "u1", "P"); err != nil {
		t.Fatalf("seed selection: %v", err)
	}

	ctrl.OnSessionExpired(errors.New("definitive rejection"))

	if tokens.Token() != "" || ctrl.UserID() != "" {
		t.Fatal("session state not cleared")
	}
	if ctrl.State() != StateUnauthenticated {
		t.Fatalf("state = %v, want unauthenticated", ctrl.State())
	}
	if disconnected == "" || !purged {
		t.Fatalf("teardown incomplete: disconnect=%q purged=%v", disconnected, purged)
	}
	if _, err := sel.Get(context.Background(), "u1"); !errors.Is(err, selection.ErrNoSelection) {
		t.Fatalf("selection survives expiry: %v", err)
	}
}

func TestIdentitySwitchClearsPreviousIdentityState(t *testing.T) {
	tokA := mintToken(t, "uA", time.Now().Add(time.Hour))
	tokB := mintToken(t, "uB", time.Now().Add(time.Hour))

	sel := selection.NewMemoryStore()
	var mu sync.Mutex
	var events []string
	ctrl, tokens := newTestController(t, &fakeAPI{}, sel, Hooks{
		DisconnectRealtime: func(reason string) {
			mu.Lock()
			events = append(events, "disconnect")
			mu.Unlock()
		},
		PurgeCache: func(ctx context.Context) error {
			mu.Lock()
			events = append(events, "purge")
			mu.Unlock()
			return nil
		},
	})

	if err := ctrl.CompleteExternalLogin(context.Background(), tokA); err != nil {
		t.Fatalf("CompleteExternalLogin A: %v", err)
	}
	if err := sel.Set(context.Background(), "uA", "P"); err != nil {
		t.Fatalf("seed selection: %v", err)
	}

	// Identity B completes externally with no explicit logout in between.
	if err := ctrl.CompleteExternalLogin(context.Background(), tokB); err != nil {
		t.Fatalf("CompleteExternalLogin B: %v", err)
	}

	if got := ctrl.UserID(); got != "uB" {
		t.Fatalf("user id = %q, want uB", got)
	}
	if got := tokens.Token(); got != tokB {
		t.Fatal("token is not B's credential")
	}
	if _, err := sel.Get(context.Background(), "uA"); !errors.Is(err, selection.ErrNoSelection) {
		t.Fatalf("identity A's selection visible after switch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "disconnect" || events[1] != "purge" {
		t.Fatalf("switch events = %v, want [disconnect purge]", events)
	}
}

func TestIdentitySwitchSameUserIsQuiet(t *testing.T) {
	tok1 := mintToken(t, "u1", time.Now().Add(time.Hour))
	tok2 := mintToken(t, "u1", time.Now().Add(2*time.Hour))

	purges := 0
	ctrl, _ := newTestController(t, &fakeAPI{}, nil, Hooks{
		PurgeCache: func(ctx context.Context) error { purges++; return nil },
	})

	if err := ctrl.CompleteExternalLogin(context.Background(), tok1); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := ctrl.CompleteExternalLogin(context.Background(), tok2); err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if purges != 0 {
		t.Fatalf("purges = %d, want 0 for a same-user credential refresh", purges)
	}
}

func TestIsAuthenticatedAlwaysDerived(t *testing.T) {
	minted := mintToken(t, "u1", time.Now().Add(time.Hour))
	ctrl, tokens := newTestController(t, &fakeAPI{}, nil, Hooks{})

	if ctrl.IsAuthenticated() {
		t.Fatal("authenticated with neither identity nor token")
	}

	tokens.SetToken(minted)
	if ctrl.IsAuthenticated() {
		t.Fatal("authenticated with token but no identity")
	}

	if err := ctrl.CompleteExternalLogin(context.Background(), minted); err != nil {
		t.Fatalf("CompleteExternalLogin: %v", err)
	}
	if !ctrl.IsAuthenticated() {
		t.Fatal("not authenticated with both present")
	}

	tokens.ClearToken()
	if ctrl.IsAuthenticated() {
		t.Fatal("authenticated with identity but no token; flag is stale")
	}

	tokens.SetToken(minted)
	if !ctrl.IsAuthenticated() {
		t.Fatal("derivation did not recover when the token returned")
	}
}

func TestRunRenewsExpiringCredential(t *testing.T) {
	ctrl, tokens := newTestController(t, &fakeAPI{}, nil, Hooks{})
	ctrl.cfg.ProactiveInterval = 5 * time.Millisecond

	gate := &fakeGate{}
	gate.fn = func(ctx context.Context) (string, error) {
		fresh := mintToken(t, "u1", time.Now().Add(time.Hour))
		tokens.SetToken(fresh)
		return fresh, nil
	}
	ctrl.SetRenewalGate(gate)

	// Within the renew-ahead window.
	tokens.SetToken(mintToken(t, "u1", time.Now().Add(time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for gate.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := gate.count(); got != 1 {
		t.Fatalf("renewals = %d, want exactly 1 (fresh token stops the loop)", got)
	}
}

func TestRecheckSkipsDistantExpiry(t *testing.T) {
	ctrl, tokens := newTestController(t, &fakeAPI{}, nil, Hooks{})
	gate := &fakeGate{fn: func(ctx context.Context) (string, error) { return "", nil }}
	ctrl.SetRenewalGate(gate)

	tokens.SetToken(mintToken(t, "u1", time.Now().Add(24*time.Hour)))
	ctrl.Recheck(context.Background())

	if got := gate.count(); got != 0 {
		t.Fatalf("renewals = %d, want 0 for a distant expiry", got)
	}
}
