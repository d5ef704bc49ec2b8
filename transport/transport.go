// Package transport is the authenticated HTTP layer of the client. Its
// RoundTripper attaches the bearer credential, funnels every 401 through a
// single renewal gate, and turns project-scope 403s into cache eviction
// signals. Callers keep using a plain *http.Client; all session mechanics
// live below them.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"arc/client/auth/token"
)

// HeaderProjectScope names the project a 403 applies to when the server
// includes it. Requests without the header fall back to the /projects/{id}
// path segment.
const HeaderProjectScope = "X-Arc-Project"

// credential-issuing endpoints authenticate by themselves and never get a
// bearer attached.
func isCredentialIssuing(path string) bool {
	switch path {
	case "/auth/login", "/auth/refresh", "/auth/invites/consume":
		return true
	}
	return false
}

// The whole auth surface is exempt from 401 interception. A rejected logout
// stays rejected; renewing there would loop or resurrect a session being
// torn down.
func isRenewExempt(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

func projectIDFromPath(path string) string {
	const prefix = "/projects/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := path[len(prefix):]
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	return id
}

// Transport decorates a base RoundTripper with bearer attachment, renew-and
// -replay on 401, and project-forbidden signalling on 403.
type Transport struct {
	base   http.RoundTripper
	tokens *token.Store
	gate   *Gate
	log    *slog.Logger

	mu               sync.Mutex
	projectForbidden func(ctx context.Context, projectID string)
}

// New builds the interceptor. base may be nil (http.DefaultTransport).
func New(base http.RoundTripper, tokens *token.Store, gate *Gate, log *slog.Logger) (*Transport, error) {
	if tokens == nil {
		return nil, fmt.Errorf("transport: token store is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("transport: renewal gate is required")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{base: base, tokens: tokens, gate: gate, log: log}, nil
}

// SetProjectForbiddenHook registers fn to run whenever a project-scoped
// request comes back 403. The session stays intact; fn is expected to evict
// the project's cache, drop it from selection and disconnect realtime.
func (t *Transport) SetProjectForbiddenHook(fn func(ctx context.Context, projectID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projectForbidden = fn
}

// Client returns an *http.Client running on this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path

	out := req
	if req.Header.Get("Authorization") == "" && !isCredentialIssuing(path) {
		if tok := t.tokens.Token(); tok != "" {
			out = req.Clone(req.Context())
			out.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	res, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusUnauthorized && !isRenewExempt(path) {
		return t.renewAndReplay(req, res)
	}
	t.observeForbidden(req, res)
	return res, nil
}

// renewAndReplay parks the request on the renewal gate and replays it once
// with the fresh credential. A second 401 passes through untouched; there is
// no retry loop.
func (t *Transport) renewAndReplay(req *http.Request, res *http.Response) (*http.Response, error) {
	// A consumed one-shot body cannot be rebuilt, so the 401 stands.
	if req.Body != nil && req.GetBody == nil {
		return res, nil
	}

	drainAndClose(res.Body)

	tok, err := t.gate.Renew(req.Context())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+tok)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("transport: rewind request body: %w", err)
		}
		retry.Body = body
	}

	t.log.Debug("http.replay", "method", req.Method, "path", req.URL.Path)
	res2, err := t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	t.observeForbidden(req, res2)
	return res2, nil
}

// observeForbidden fires the project-forbidden hook on a 403 that names a
// project, via response header or request path. The response itself is
// always handed back to the caller.
func (t *Transport) observeForbidden(req *http.Request, res *http.Response) {
	if res.StatusCode != http.StatusForbidden {
		return
	}
	pid := res.Header.Get(HeaderProjectScope)
	if pid == "" {
		pid = projectIDFromPath(req.URL.Path)
	}
	if pid == "" {
		return
	}

	t.mu.Lock()
	fn := t.projectForbidden
	t.mu.Unlock()

	t.log.Info("http.project.forbidden", "project_id", pid, "path", req.URL.Path)
	if fn != nil {
		fn(req.Context(), pid)
	}
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	body.Close()
}
