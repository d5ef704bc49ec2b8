package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestLoginSendsPlatformAndStoresCookies(t *testing.T) {
	var got loginRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode login request: %v", err)
		}
		http.SetCookie(w, &http.Cookie{Name: DefaultRefreshCookieName, Value: "refresh-1", Path: "/auth", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: DefaultCSRFCookieName, Value: "csrf-1", Path: "/"})
		writeJSON(t, w, http.StatusOK, loginResponse{
			User: User{ID: "u1"},
			Session: Session{
				SessionID:       "s1",
				AccessToken:     "tok-1",
				AccessExpiresAt: time.Now().Add(10 * time.Minute).UTC(),
			},
		})
	}))

	res, err := client.Login(context.Background(), Credentials{Identifier: "navid", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != "u1" || res.Session.AccessToken != "tok-1" {
		t.Fatalf("unexpected login result: %+v", res)
	}
	if got.Username == nil || *got.Username != "navid" {
		t.Fatalf("expected username field, got %+v", got)
	}
	if got.Email != nil {
		t.Fatalf("email should be unset for a bare identifier, got %q", *got.Email)
	}
	if got.Platform != "web" {
		t.Fatalf("platform = %q, want web", got.Platform)
	}

	// The CSRF cookie must be readable from the jar for the double submit.
	if v := client.cookieValue(DefaultCSRFCookieName); v != "csrf-1" {
		t.Fatalf("csrf cookie = %q, want csrf-1", v)
	}
}

func TestLoginClassifiesEmailIdentifier(t *testing.T) {
	var got loginRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode login request: %v", err)
		}
		writeJSON(t, w, http.StatusOK, loginResponse{Session: Session{AccessToken: "tok"}})
	}))

	if _, err := client.Login(context.Background(), Credentials{Identifier: "navid@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.Email == nil || *got.Email != "navid@example.com" {
		t.Fatalf("expected email field, got %+v", got)
	}
	if got.Username != nil {
		t.Fatalf("username should be unset for an email identifier, got %q", *got.Username)
	}
}

func TestRefreshDoubleSubmitsCSRF(t *testing.T) {
	mux := http.NewServeMux()
	client, _ := newTestClient(t, mux)

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: DefaultRefreshCookieName, Value: "refresh-1", Path: "/auth", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: DefaultCSRFCookieName, Value: "csrf-xyz", Path: "/"})
		writeJSON(t, w, http.StatusOK, loginResponse{Session: Session{AccessToken: "tok-1"}})
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(DefaultRefreshCookieName)
		if err != nil || ck.Value != "refresh-1" {
			t.Errorf("refresh cookie missing or wrong: %v", err)
		}
		if h := r.Header.Get(DefaultCSRFHeaderName); h != "csrf-xyz" {
			t.Errorf("csrf header = %q, want csrf-xyz", h)
		}
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode refresh request: %v", err)
		}
		if req.Platform != "web" {
			t.Errorf("refresh platform = %q, want web", req.Platform)
		}
		writeJSON(t, w, http.StatusOK, refreshResponse{Session: Session{
			SessionID:       "s1",
			AccessToken:     "tok-2",
			AccessExpiresAt: time.Now().Add(10 * time.Minute).UTC(),
		}})
	})

	if _, err := client.Login(context.Background(), Credentials{Identifier: "navid", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	sess, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if sess.AccessToken != "tok-2" {
		t.Fatalf("refreshed token = %q, want tok-2", sess.AccessToken)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		code       string
		retryAfter string
		sentinel   error
		definitive bool
	}{
		{name: "invalid credentials", status: 401, code: CodeInvalidCredentials, sentinel: ErrUnauthorized, definitive: true},
		{name: "session not active", status: 401, code: CodeSessionNotActive, sentinel: ErrUnauthorized, definitive: true},
		{name: "reuse detected", status: 401, code: CodeRefreshReuseDetected, sentinel: ErrUnauthorized, definitive: true},
		{name: "forbidden", status: 403, code: "forbidden", sentinel: ErrForbidden, definitive: true},
		{name: "rate limited", status: 429, code: CodeRefreshRateLimited, retryAfter: "2", sentinel: ErrRateLimited, definitive: false},
		{name: "server error", status: 500, code: "internal", definitive: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				writeJSON(t, w, tc.status, errorResponse{Error: errorBody{Code: tc.code, Message: "nope"}})
			}))

			_, err := client.Refresh(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T: %v", err, err)
			}
			if apiErr.StatusCode != tc.status || apiErr.Code != tc.code {
				t.Fatalf("got status=%d code=%q, want status=%d code=%q", apiErr.StatusCode, apiErr.Code, tc.status, tc.code)
			}
			if tc.sentinel != nil && !errors.Is(err, tc.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false", err, tc.sentinel)
			}
			if tc.retryAfter != "" && apiErr.RetryAfter != 2*time.Second {
				t.Fatalf("RetryAfter = %v, want 2s", apiErr.RetryAfter)
			}
			if got := IsDefinitiveRenewalFailure(err); got != tc.definitive {
				t.Fatalf("IsDefinitiveRenewalFailure = %v, want %v", got, tc.definitive)
			}
		})
	}
}

func TestLogoutSendsBearer(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/logout" {
			t.Errorf("path = %s, want /auth/logout", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.Logout(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
}

func TestMeReturnsIdentity(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/me" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("missing bearer on /me")
		}
		writeJSON(t, w, http.StatusOK, meResponse{User: User{ID: "u1"}})
	}))

	user, err := client.Me(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if user.ID != "u1" {
		t.Fatalf("user id = %q, want u1", user.ID)
	}
}

func TestConsumeInviteLogsIn(t *testing.T) {
	username := "newbie"
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/invites/consume" {
			t.Errorf("path = %s, want /auth/invites/consume", r.URL.Path)
		}
		var req inviteConsumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode consume request: %v", err)
		}
		if req.InviteToken != "inv-tok" || req.Username == nil || *req.Username != username {
			t.Errorf("unexpected consume request: %+v", req)
		}
		writeJSON(t, w, http.StatusCreated, inviteConsumeResponse{
			User:    User{ID: "u2"},
			Session: Session{AccessToken: "tok-new"},
		})
	}))

	res, err := client.ConsumeInvite(context.Background(), InviteConsumeInput{
		InviteToken: "inv-tok",
		Username:    &username,
		Password:    "pw",
	})
	if err != nil {
		t.Fatalf("ConsumeInvite: %v", err)
	}
	if res.User.ID != "u2" || res.Session.AccessToken != "tok-new" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
