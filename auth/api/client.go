// Package authapi is the HTTP client for the arc auth surface: login,
// refresh, logout, identity lookup and invites.
//
// The client is built for the web platform: the refresh credential lives in
// an HTTP-only cookie held by the http.Client's jar, and refresh calls prove
// cookie ownership with the double-submit CSRF header. The access token is
// never stored here; callers receive it and keep it in memory.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	cfg   Config
	base  *url.URL
	httpc *http.Client
}

// NewClient builds a client against cfg.BaseURL. When httpc is nil a client
// with a fresh in-memory cookie jar is created. A provided client must carry
// a jar; the refresh flow depends on it.
func NewClient(cfg Config, httpc *http.Client) (*Client, error) {
	def := DefaultConfig()
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.RefreshCookieName == "" {
		cfg.RefreshCookieName = def.RefreshCookieName
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = def.CSRFCookieName
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = def.CSRFHeaderName
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrConfig, err)
	}

	if httpc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("authapi: cookie jar: %w", err)
		}
		httpc = &http.Client{Jar: jar, Timeout: cfg.RequestTimeout}
	}
	if httpc.Jar == nil {
		return nil, fmt.Errorf("%w: http client needs a cookie jar for the refresh flow", ErrConfig)
	}

	return &Client{cfg: cfg, base: base, httpc: httpc}, nil
}

// Jar exposes the cookie jar so callers can persist and restore the refresh
// cookie across restarts.
func (c *Client) Jar() http.CookieJar { return c.httpc.Jar }

// BaseURL returns the parsed server origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Login exchanges credentials for an identity and a session. On the web
// platform the server also sets the refresh and CSRF cookies into the jar.
func (c *Client) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	req := loginRequest{
		Password:   creds.Password,
		RememberMe: c.cfg.RememberMe,
		Platform:   c.cfg.Platform,
	}
	id := strings.TrimSpace(creds.Identifier)
	if strings.Contains(id, "@") {
		req.Email = &id
	} else {
		req.Username = &id
	}

	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", nil, req, &out); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: out.User, Session: out.Session}, nil
}

// Refresh rotates the session using the ambient refresh cookie. The CSRF
// cookie value is echoed in the double-submit header. A 401 here means the
// session is definitively gone (revoked, expired or reuse-detected); 429 and
// 5xx are transient.
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	hdr := http.Header{}
	if csrf := c.cookieValue(c.cfg.CSRFCookieName); csrf != "" {
		hdr.Set(c.cfg.CSRFHeaderName, csrf)
	}

	req := refreshRequest{Platform: c.cfg.Platform, RememberMe: c.cfg.RememberMe}
	var out refreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", hdr, req, &out); err != nil {
		return Session{}, err
	}
	return out.Session, nil
}

// Logout revokes the current session server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil, nil)
}

// LogoutAll revokes every session of the authenticated user.
func (c *Client) LogoutAll(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout_all", accessToken, nil, nil, nil)
}

// Me returns the identity behind the access token.
func (c *Client) Me(ctx context.Context, accessToken string) (User, error) {
	var out meResponse
	if err := c.do(ctx, http.MethodGet, "/me", accessToken, nil, nil, &out); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// CreateInvite mints an invite token. Requires an authenticated session.
func (c *Client) CreateInvite(ctx context.Context, accessToken string, in InviteCreateInput) (Invite, error) {
	req := inviteCreateRequest{
		ExpiresInSeconds: in.ExpiresInSeconds,
		MaxUses:          in.MaxUses,
		Note:             in.Note,
	}
	var out Invite
	if err := c.do(ctx, http.MethodPost, "/auth/invites", accessToken, nil, req, &out); err != nil {
		return Invite{}, err
	}
	return out, nil
}

// ConsumeInvite registers a new account against an invite token and logs it
// in, cookie side effects included.
func (c *Client) ConsumeInvite(ctx context.Context, in InviteConsumeInput) (LoginResult, error) {
	req := inviteConsumeRequest{
		InviteToken: in.InviteToken,
		Username:    in.Username,
		Email:       in.Email,
		Password:    in.Password,
		Platform:    c.cfg.Platform,
	}
	var out inviteConsumeResponse
	if err := c.do(ctx, http.MethodPost, "/auth/invites/consume", "", nil, req, &out); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: out.User, Session: out.Session}, nil
}

func (c *Client) cookieValue(name string) string {
	for _, ck := range c.httpc.Jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path, bearer string, header http.Header, in, out any) error {
	u := c.base.JoinPath(path)

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authapi: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("authapi: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("authapi: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("authapi: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return c.apiError(res, raw)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("authapi: decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(res *http.Response, raw []byte) error {
	apiErr := &APIError{StatusCode: res.StatusCode}

	var envelope errorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if v := res.Header.Get("Retry-After"); v != "" {
		apiErr.RetryAfter = parseRetryAfter(v)
	}
	return apiErr
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
