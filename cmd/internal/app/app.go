// Package app wires the Arc client daemon: config, logging, the session
// controller, the intercepting HTTP transport, the cache sync channel and a
// small operational HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	authapi "arc/client/auth/api"
	"arc/client/auth/session"
	"arc/client/auth/token"
	"arc/client/cache"
	"arc/client/metrics"
	"arc/client/realtime"
	"arc/client/selection"
	"arc/client/transport"
)

// App is the daemon runtime. It owns the process-wide singletons: the token
// store, the session controller, the renewal gate and the sync channel. All
// session and channel mutations flow through those components; nothing else
// writes the credential.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	mets     *metrics.Metrics

	pool *pgxpool.Pool

	apiCfg  authapi.Config
	apiBase *url.URL
	jar     http.CookieJar

	tokens *token.Store
	api    *authapi.Client
	gate   *transport.Gate
	tr     *transport.Transport
	cache  *cache.Memory
	sel    selection.Store
	ctrl   *session.Controller
	sync   *realtime.Syncer
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.StateFile != "" && cfg.StateKey == "" {
		return nil, errors.New("app: ARC_CLIENT_STATE_FILE is set but ARC_CLIENT_STATE_KEY is empty")
	}

	apiCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	apiBase, err := url.Parse(apiCfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse api url: %w", err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		apiCfg:   apiCfg,
		apiBase:  apiBase,
		tokens:   token.NewStore(),
	}
	a.mets = metrics.New(a.registry)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("app: cookie jar: %w", err)
	}
	a.jar = jar
	if cfg.StateFile != "" {
		// A corrupt or unreadable state file must not brick the daemon; it
		// only costs the persisted refresh credential.
		if err := restoreJar(cfg.StateFile, cfg.StateKey, apiBase, jar, log); err != nil {
			log.Warn("state.jar.restore.fail", "err", err)
		}
	}

	if err := a.buildStores(context.Background()); err != nil {
		return nil, err
	}

	a.api, err = authapi.NewClient(apiCfg, &http.Client{Jar: jar, Timeout: apiCfg.RequestTimeout})
	if err != nil {
		return nil, err
	}

	a.ctrl, err = session.New(session.LoadConfigFromEnv(), a.api, a.tokens, a.sel, session.Hooks{
		DisconnectRealtime: func(reason string) {
			if a.sync != nil {
				a.sync.Disconnect(reason)
			}
		},
		PurgeCache: func(context.Context) error { return a.cache.PurgeAll() },
	}, log, a.mets)
	if err != nil {
		return nil, err
	}

	a.gate, err = transport.NewGate(transport.DefaultGateConfig(), transport.RenewerFunc(a.ctrl.RenewOnce), log, a.mets)
	if err != nil {
		return nil, err
	}
	a.ctrl.SetRenewalGate(a.gate)
	a.gate.SetSessionExpiredHook(a.ctrl.OnSessionExpired)

	a.tr, err = transport.New(nil, a.tokens, a.gate, log)
	if err != nil {
		return nil, err
	}
	a.tr.SetProjectForbiddenHook(func(ctx context.Context, projectID string) {
		a.forbidProject(ctx, projectID, "request forbidden")
	})

	syncCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	a.sync, err = realtime.New(syncCfg, a.tokens, a.gate, a.cache, log, a.mets)
	if err != nil {
		return nil, err
	}
	a.sync.SetForbiddenHook(func(projectID, reason string) {
		a.forbidProject(context.Background(), projectID, reason)
	})

	return a, nil
}

// buildStores decides between Postgres-backed and in-memory selection and
// builds the local cache.
func (a *App) buildStores(ctx context.Context) error {
	opts := []cache.MemoryOption{}
	if a.cfg.CacheSnapshot != "" {
		opts = append(opts, cache.WithSnapshotPath(a.cfg.CacheSnapshot))
	}
	a.cache = cache.NewMemory(opts...)
	if a.cfg.CacheSnapshot != "" {
		if err := a.cache.LoadSnapshot(); err != nil {
			a.log.Warn("cache.snapshot.load.fail", "err", err)
		}
	}

	if a.cfg.DatabaseURL == "" {
		a.log.Info("selection.store.memory")
		a.sel = selection.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	store, err := selection.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.sel = store
	a.log.Info("selection.store.postgres")
	return nil
}

// Controller exposes the session controller to embedding code.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Syncer exposes the cache sync channel to embedding code.
func (a *App) Syncer() *realtime.Syncer { return a.sync }

// HTTPClient returns the jar-backed client whose transport attaches the
// bearer credential and replays after single-flight renewal. Data calls by
// embedding code go through this.
func (a *App) HTTPClient() *http.Client {
	return &http.Client{Transport: a.tr, Jar: a.jar, Timeout: a.apiCfg.RequestTimeout}
}

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		// Transient cold-start failure: the recheck loop retries while the
		// session state is still unknown.
		a.log.Warn("session.start.deferred", "err", err)
	}
	a.connectSelected(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ctrl.Run(ctx) })
	g.Go(func() error { return a.watchWake(ctx) })
	g.Go(func() error { return a.serveHTTP(ctx) })

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchWake re-checks the credential when the process wakes: on SIGCONT and
// on wall-clock gaps that mean the host was suspended past the probe
// interval. Timers do not fire while suspended, so without this a resumed
// daemon would sit on an expired credential until the next proactive tick.
func (a *App) watchWake(ctx context.Context) error {
	cont := make(chan os.Signal, 1)
	signal.Notify(cont, syscall.SIGCONT)
	defer signal.Stop(cont)

	ticker := time.NewTicker(a.cfg.RecheckInterval)
	defer ticker.Stop()

	lastWall := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cont:
			a.log.Info("daemon.wake", "reason", "sigcont")
			a.recheck(ctx)
		case <-ticker.C:
			now := time.Now()
			gap := now.Round(0).Sub(lastWall.Round(0))
			lastWall = now
			if gap > 2*a.cfg.RecheckInterval {
				a.log.Info("daemon.wake", "reason", "clock_jump", "gap", gap.String())
				a.recheck(ctx)
				continue
			}
			a.reconcile(ctx)
		}
	}
}

// recheck drives the controller from a wake event. While the session state
// is still unknown the cold start is retried instead.
func (a *App) recheck(ctx context.Context) {
	if a.ctrl.State() == session.StateUnknown {
		if err := a.ctrl.Start(ctx); err != nil {
			a.log.Warn("session.start.retry.fail", "err", err)
			return
		}
		a.connectSelected(ctx)
		return
	}
	a.ctrl.Recheck(ctx)
}

// reconcile reopens the sync channel when a session exists, a project is
// selected, and no channel is up (fresh login, or a switch elsewhere).
func (a *App) reconcile(ctx context.Context) {
	if a.ctrl.State() == session.StateUnknown {
		if err := a.ctrl.Start(ctx); err != nil {
			a.log.Warn("session.start.retry.fail", "err", err)
		}
	}
	if a.sync.Connected() || !a.ctrl.IsAuthenticated() {
		return
	}
	a.connectSelected(ctx)
}

// connectSelected opens the sync channel for the authenticated user's
// persisted project selection, when there is one.
func (a *App) connectSelected(ctx context.Context) {
	if !a.ctrl.IsAuthenticated() {
		return
	}
	projectID, err := a.sel.Get(ctx, a.ctrl.UserID())
	if err != nil {
		if !errors.Is(err, selection.ErrNoSelection) {
			a.log.Warn("selection.get.fail", "err", err)
		}
		return
	}
	if err := a.sync.Connect(ctx, projectID); err != nil {
		a.log.Warn("sync.connect.fail", "project_id", projectID, "err", err)
	}
}

// forbidProject applies the project-scoped authorization failure policy:
// evict the project's cache, drop it from the selection when selected, and
// close the channel if it is scoped to that project. The session survives.
func (a *App) forbidProject(ctx context.Context, projectID, reason string) {
	a.log.Warn("project.forbidden", "project_id", projectID, "reason", reason)

	a.cache.EvictProject(projectID)

	if uid := a.ctrl.UserID(); uid != "" {
		cur, err := a.sel.Get(ctx, uid)
		switch {
		case err == nil && cur == projectID:
			if err := a.sel.Clear(ctx, uid); err != nil {
				a.log.Error("selection.clear.fail", "user_id", uid, "err", err)
			}
		case err != nil && !errors.Is(err, selection.ErrNoSelection):
			a.log.Warn("selection.get.fail", "err", err)
		}
	}

	if a.sync.ProjectID() == projectID {
		a.sync.Disconnect("project forbidden")
	}
}

// serveHTTP runs the operational endpoints until ctx is cancelled.
func (a *App) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("daemon.http.start", "addr", a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("daemon.http.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("daemon.http.shutdown.fail", "err", err)
		return err
	}
	return nil
}

// shutdown tears the daemon down: close the channel, persist the sealed jar
// and the cache snapshot, release the pool.
func (a *App) shutdown() {
	a.sync.Disconnect("shutdown")

	if a.cfg.StateFile != "" {
		if err := saveJar(a.cfg.StateFile, a.cfg.StateKey, a.apiBase, a.jar, a.apiCfg.RefreshCookieName, a.log); err != nil {
			a.log.Error("state.jar.save.fail", "err", err)
		}
	}
	if a.cfg.CacheSnapshot != "" {
		if err := a.cache.WriteSnapshot(); err != nil {
			a.log.Error("cache.snapshot.save.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}

	a.log.Info("daemon.stopped")
}
