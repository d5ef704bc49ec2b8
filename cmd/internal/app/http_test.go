package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthzAlwaysOK(t *testing.T) {
	a := newTestApp(t)
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d want=200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ok") {
		t.Fatalf("healthz body=%q", rr.Body.String())
	}
}

func TestReadyzGatesOnSessionState(t *testing.T) {
	a := newTestApp(t)
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before cold start=%d want=503", rr.Code)
	}

	// Cold start resolves via credential adoption; the state is now known.
	a.tokens.SetToken(mintAppToken(t, "u1", time.Now().Add(time.Hour)))
	if err := a.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz after cold start=%d want=200 (%s)", rr.Code, rr.Body.String())
	}
}

func TestMetricsServesRegistry(t *testing.T) {
	a := newTestApp(t)
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("metrics=%d want=200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "arcclient_session_state") {
		t.Fatalf("metrics body missing client collectors:\n%s", rr.Body.String())
	}
}
