package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arc/client/auth/session"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready once the cold start resolved the session state either way; a
	// daemon stuck in Unknown cannot answer authenticated traffic usefully.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.ctrl.State() == session.StateUnknown {
			http.Error(w, "session state unknown", http.StatusServiceUnavailable)
			return
		}
		if a.pool != nil {
			if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
}
