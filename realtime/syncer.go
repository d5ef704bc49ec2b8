// Package realtime maintains the project-scoped push channel that keeps the
// local cache consistent with server-side writes.
//
// One Syncer owns at most one live channel. Every physical connection gets a
// monotonically increasing generation number, and events are applied to the
// cache only when their connection is still the current generation. Frames
// that were in flight when the channel was superseded or torn down can
// therefore never mutate cache state that belongs to a newer session.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"arc/client/auth/token"
	"arc/client/cache"
	cachesyncv1 "arc/client/contracts/cachesync/v1"
	"arc/client/metrics"
)

var (
	// ErrNotConnected is returned by operations that need an open channel.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrChannelRejected marks a terminal rejection of the channel, either a
	// reserved close code or a 401/403 handshake response. The caller must
	// not reconnect; only a new credential or project can recover.
	ErrChannelRejected = errors.New("realtime: channel rejected")
)

// RenewalGate supplies a verified-fresh access token before a dial. The
// channel authenticates only at handshake time, so dialing with a dying
// token wastes the attempt.
type RenewalGate interface {
	Renew(ctx context.Context) (string, error)
}

// Syncer owns the cache-sync websocket channel for the active project.
type Syncer struct {
	cfg    Config
	base   *url.URL
	tokens *token.Store
	gate   RenewalGate
	cache  cache.Cache
	log    *slog.Logger
	mets   *metrics.Metrics

	// lifeMu serializes Connect, Disconnect and terminal teardown so two
	// lifecycle operations never interleave their close/dial/install steps.
	lifeMu sync.Mutex

	// mu guards the hot fields below. Lock order is lifeMu before mu.
	mu         sync.Mutex
	generation uint64
	conn       *websocket.Conn
	projectID  string
	sessionID  string
	runCancel  context.CancelFunc
	switchAck  chan cachesyncv1.Envelope

	switchMu sync.Mutex

	hookMu      sync.Mutex
	onForbidden func(projectID, reason string)
}

// New builds a Syncer. The token store, renewal gate and cache are required;
// logger and metrics may be nil.
func New(cfg Config, tokens *token.Store, gate RenewalGate, c cache.Cache, log *slog.Logger, mets *metrics.Metrics) (*Syncer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, errors.New("realtime: token store is required")
	}
	if gate == nil {
		return nil, errors.New("realtime: renewal gate is required")
	}
	if c == nil {
		return nil, errors.New("realtime: cache is required")
	}
	if log == nil {
		log = slog.Default()
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}

	return &Syncer{
		cfg:    cfg,
		base:   base,
		tokens: tokens,
		gate:   gate,
		cache:  c,
		log:    log,
		mets:   mets,
	}, nil
}

// SetForbiddenHook registers the callback fired after a terminal close. The
// hook receives the project the channel was scoped to and the close reason.
func (s *Syncer) SetForbiddenHook(fn func(projectID, reason string)) {
	s.hookMu.Lock()
	s.onForbidden = fn
	s.hookMu.Unlock()
}

func (s *Syncer) forbiddenHook() func(projectID, reason string) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	return s.onForbidden
}

// Connected reports whether a channel is currently open.
func (s *Syncer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// ProjectID returns the project the open channel is scoped to, or "".
func (s *Syncer) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// ChannelSessionID returns the server-assigned id of the open channel, or "".
func (s *Syncer) ChannelSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Syncer) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Connect opens the channel for projectID, superseding any open channel.
// The initial dial runs synchronously so the caller learns immediately
// whether the channel came up; after that a supervisor goroutine owns
// reconnection until Disconnect or a terminal close.
func (s *Syncer) Connect(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return errors.New("realtime: project id is required")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	already := s.conn != nil && s.projectID == projectID
	s.mu.Unlock()
	if already {
		return nil
	}

	s.closeCurrent("superseded")

	conn, sid, err := s.dial(ctx, projectID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.conn = conn
	s.projectID = projectID
	s.sessionID = sid
	s.runCancel = cancel
	s.mu.Unlock()

	s.log.Info("sync.connect.ok",
		"project_id", projectID,
		"channel_session_id", sid,
		"generation", gen,
	)

	go s.supervise(runCtx, gen, conn, projectID)
	return nil
}

// Disconnect closes the channel and stops its supervisor. Safe to call when
// no channel is open.
func (s *Syncer) Disconnect(reason string) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.closeCurrent(reason)
}

// closeCurrent invalidates the current generation, cancels the supervisor
// and closes the socket. Callers hold lifeMu.
func (s *Syncer) closeCurrent(reason string) {
	s.mu.Lock()
	conn := s.conn
	cancel := s.runCancel
	projectID := s.projectID
	if conn == nil {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.conn = nil
	s.projectID = ""
	s.sessionID = ""
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, reason)

	s.log.Info("sync.disconnect", "project_id", projectID, "reason", reason)
}

// supervise serves the channel and redials after transient failures. It
// exits when the generation it owns stops being current, when its context
// is cancelled, or when the channel is rejected terminally.
func (s *Syncer) supervise(ctx context.Context, gen uint64, conn *websocket.Conn, projectID string) {
	for {
		err := s.serve(ctx, gen, conn, projectID)
		if ctx.Err() != nil || s.currentGeneration() != gen {
			return
		}

		if status := websocket.CloseStatus(err); status != -1 && cachesyncv1.TerminalClose(int(status)) {
			s.terminal(gen, projectID, err)
			return
		}

		s.log.Warn("sync.channel.lost", "project_id", projectID, "err", err)

		var ok bool
		conn, gen, ok = s.redial(ctx, gen, projectID)
		if !ok {
			return
		}
	}
}

// redial reattempts the handshake with a capped doubling backoff until it
// succeeds, the generation is superseded, or the rejection is terminal.
func (s *Syncer) redial(ctx context.Context, gen uint64, projectID string) (*websocket.Conn, uint64, bool) {
	for attempt := 0; ; attempt++ {
		delay := reconnectDelay(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectCap)
		s.mets.ReconnectObserved(metrics.ReconnectTransient)
		s.log.Info("sync.reconnect.wait",
			"project_id", projectID,
			"attempt", attempt+1,
			"delay", delay.String(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, false
		case <-timer.C:
		}

		if s.currentGeneration() != gen {
			return nil, 0, false
		}

		conn, sid, err := s.dial(ctx, projectID)
		if err != nil {
			if errors.Is(err, ErrChannelRejected) {
				s.terminal(gen, projectID, err)
				return nil, 0, false
			}
			s.log.Warn("sync.reconnect.fail",
				"project_id", projectID,
				"attempt", attempt+1,
				"err", err,
			)
			continue
		}

		newGen, ok := s.adopt(gen, conn, sid)
		if !ok {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
			return nil, 0, false
		}

		s.log.Info("sync.reconnect.ok", "project_id", projectID, "attempt", attempt+1)
		return conn, newGen, true
	}
}

// adopt installs a replacement socket for the supervisor that owned oldGen.
// It fails when Disconnect or a newer Connect got there first.
func (s *Syncer) adopt(oldGen uint64, conn *websocket.Conn, sid string) (uint64, bool) {
	s.mu.Lock()
	if s.generation != oldGen {
		s.mu.Unlock()
		return 0, false
	}
	dead := s.conn
	s.generation++
	gen := s.generation
	s.conn = conn
	s.sessionID = sid
	s.mu.Unlock()

	if dead != nil {
		_ = dead.Close(websocket.StatusNormalClosure, "replaced")
	}
	return gen, true
}

// terminal tears down a rejected channel and notifies the forbidden hook.
// Reconnection stops here. Like every async callback it is generation-tied:
// when a newer channel superseded this one the rejection is stale and the
// whole call is a no-op. The hook runs outside lifeMu so it may call back
// into Disconnect or Connect.
func (s *Syncer) terminal(gen uint64, projectID string, err error) {
	s.lifeMu.Lock()
	s.mu.Lock()
	current := s.generation == gen
	s.mu.Unlock()
	if !current {
		s.lifeMu.Unlock()
		return
	}
	s.closeCurrent("terminal close")
	s.lifeMu.Unlock()

	s.mets.ReconnectObserved(metrics.ReconnectTerminal)
	s.log.Warn("sync.channel.terminal", "project_id", projectID, "err", err)

	if fn := s.forbiddenHook(); fn != nil {
		fn(projectID, terminalReason(err))
	}
}

func terminalReason(err error) string {
	switch websocket.CloseStatus(err) {
	case cachesyncv1.CloseAuthRejected:
		return cachesyncv1.ReasonAuthRejected
	case cachesyncv1.CloseNotAuthorized:
		return cachesyncv1.ReasonNotAuthorized
	}
	if err != nil {
		return err.Error()
	}
	return "channel rejected"
}

// dial performs the full handshake: fresh credential, websocket dial with
// query-parameter auth, then hello / hello_ack.
func (s *Syncer) dial(ctx context.Context, projectID string) (*websocket.Conn, string, error) {
	tok, err := s.freshCredential(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("realtime: credential: %w", err)
	}

	u := *s.base
	q := u.Query()
	q.Set(cachesyncv1.QueryAccessToken, tok)
	q.Set(cachesyncv1.QueryProjectID, projectID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{cachesyncv1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", fmt.Errorf("%w: handshake status %d", ErrChannelRejected, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(cachesyncv1.MaxEnvelopeBytes)

	sid, err := s.hello(dialCtx, conn, projectID)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		if status := websocket.CloseStatus(err); status != -1 && cachesyncv1.TerminalClose(int(status)) {
			return nil, "", fmt.Errorf("%w: %w", ErrChannelRejected, err)
		}
		return nil, "", fmt.Errorf("realtime: handshake: %w", err)
	}
	return conn, sid, nil
}

// freshCredential returns the held token when it comfortably outlives the
// handshake, and renews through the gate otherwise.
func (s *Syncer) freshCredential(ctx context.Context) (string, error) {
	tok := s.tokens.Token()
	if tok != "" && !token.IsExpired(tok, s.cfg.CredentialBuffer) {
		return tok, nil
	}
	return s.gate.Renew(ctx)
}

// hello sends the session-opening envelope and waits for hello_ack.
func (s *Syncer) hello(ctx context.Context, conn *websocket.Conn, projectID string) (string, error) {
	if err := s.write(ctx, conn, cachesyncv1.TypeHello, projectID, cachesyncv1.HelloPayload{}); err != nil {
		return "", err
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return "", err
		}

		switch env.Type {
		case cachesyncv1.TypeHelloAck:
			var p cachesyncv1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return "", fmt.Errorf("hello_ack payload: %w", err)
			}
			if p.ChannelSessionID == "" {
				return "", errors.New("hello_ack missing channel session id")
			}
			if p.ProjectID != projectID {
				return "", fmt.Errorf("hello_ack for wrong project: %q", p.ProjectID)
			}
			return p.ChannelSessionID, nil
		case cachesyncv1.TypeError:
			var p cachesyncv1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return "", fmt.Errorf("server rejected hello: %s: %s", p.Code, p.Message)
		default:
			// Not part of the handshake; drop it.
		}
	}
}

// serve owns one physical connection: a heartbeat goroutine plus the read
// loop. It returns the read error, or the heartbeat verdict when pings
// killed the connection.
func (s *Syncer) serve(ctx context.Context, gen uint64, conn *websocket.Conn, projectID string) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbErr := make(chan error, 1)
	go func() {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(serveCtx, s.cfg.HeartbeatTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					if serveCtx.Err() != nil {
						return
					}
					failures++
					s.mets.HeartbeatFailureObserved()
					s.log.Info("sync.ping.fail",
						"project_id", projectID,
						"failures", failures,
						"err", err,
					)
					if failures >= maxPingFailures {
						hbErr <- fmt.Errorf("heartbeat failed after %d pings: %w", failures, err)
						cancel()
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	readErr := s.readLoop(serveCtx, gen, conn)

	select {
	case err := <-hbErr:
		return err
	default:
	}
	return readErr
}

// readLoop consumes envelopes until the connection fails. Malformed frames
// are logged and skipped; a client that kills its channel over one bad frame
// trades consistency for fragility.
func (s *Syncer) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			var bad badFrameError
			if errors.As(err, &bad) {
				s.log.Warn("sync.read.bad_frame", "err", bad.err)
				continue
			}
			return err
		}
		s.handle(gen, env)
	}
}

// badFrameError marks a frame that failed decode or validation but left the
// connection healthy.
type badFrameError struct{ err error }

func (e badFrameError) Error() string { return e.err.Error() }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (cachesyncv1.Envelope, error) {
	var env cachesyncv1.Envelope

	mt, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return env, badFrameError{fmt.Errorf("unexpected message type %v", mt)}
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, badFrameError{fmt.Errorf("decode envelope: %w", err)}
	}
	if err := env.Validate(); err != nil {
		return env, badFrameError{fmt.Errorf("invalid envelope: %w", err)}
	}
	return env, nil
}

func (s *Syncer) handle(gen uint64, env cachesyncv1.Envelope) {
	switch env.Type {
	case cachesyncv1.TypeCacheEvent:
		var p cachesyncv1.CacheEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("sync.event.bad_payload", "err", err)
			return
		}
		if err := p.Validate(); err != nil {
			s.log.Warn("sync.event.invalid", "err", err)
			return
		}
		s.applyEvent(gen, p)
	case cachesyncv1.TypeProjectSwitchAck:
		s.deliverSwitchAck(env)
	case cachesyncv1.TypeError:
		var p cachesyncv1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Warn("sync.server.error", "code", p.Code, "message", p.Message)
	case cachesyncv1.TypeHelloAck:
		// Duplicate ack after the handshake; harmless.
	default:
		s.log.Debug("sync.read.ignored", "type", env.Type)
	}
}

// applyEvent translates one mutation notice into cache family operations.
// The generation check drops events from a connection that stopped being
// current between read and apply.
func (s *Syncer) applyEvent(gen uint64, p cachesyncv1.CacheEventPayload) {
	if s.currentGeneration() != gen {
		s.log.Info("sync.event.stale_generation",
			"resource_type", p.ResourceType,
			"project_id", p.ProjectID,
		)
		return
	}

	res := cache.Resolve(p.ProjectID, p.ResourceType)
	for _, fam := range res.Families {
		if res.Forced {
			s.cache.ForceRefetch(fam)
		} else {
			s.cache.Invalidate(fam)
		}
	}

	s.mets.CacheEventObserved(p.ResourceType, p.Action)
	s.log.Debug("sync.event.applied",
		"resource_type", p.ResourceType,
		"action", p.Action,
		"project_id", p.ProjectID,
		"forced", res.Forced,
	)
}

// SwitchProject changes the active project on the open channel and waits for
// the server acknowledgment. Switches are serialized; the channel carries at
// most one pending switch.
func (s *Syncer) SwitchProject(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return errors.New("realtime: project id is required")
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	gen := s.generation
	current := s.projectID
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if current == projectID {
		return nil
	}

	ack := make(chan cachesyncv1.Envelope, 1)
	s.mu.Lock()
	s.switchAck = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.switchAck = nil
		s.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	payload := cachesyncv1.ProjectSwitchPayload{ProjectID: projectID}
	if err := s.write(waitCtx, conn, cachesyncv1.TypeProjectSwitch, projectID, payload); err != nil {
		return fmt.Errorf("realtime: project switch: %w", err)
	}

	select {
	case <-waitCtx.Done():
		return fmt.Errorf("realtime: project switch: %w", waitCtx.Err())
	case env := <-ack:
		var p cachesyncv1.ProjectSwitchAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("realtime: switch ack payload: %w", err)
		}
		if p.ProjectID != projectID {
			return fmt.Errorf("realtime: switch ack for wrong project: %q", p.ProjectID)
		}

		s.mu.Lock()
		if s.generation == gen {
			s.projectID = projectID
		}
		s.mu.Unlock()

		s.log.Info("sync.project.switch.ok", "project_id", projectID)
		return nil
	}
}

func (s *Syncer) deliverSwitchAck(env cachesyncv1.Envelope) {
	s.mu.Lock()
	ch := s.switchAck
	s.mu.Unlock()
	if ch == nil {
		s.log.Debug("sync.switch.ack.unsolicited", "project_id", env.ProjectID)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// write marshals and sends one envelope under the configured write timeout.
func (s *Syncer) write(ctx context.Context, conn *websocket.Conn, typ, projectID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	id, err := cachesyncv1.NewEnvelopeID(time.Time{})
	if err != nil {
		return fmt.Errorf("envelope id: %w", err)
	}

	env := cachesyncv1.Envelope{
		V:         cachesyncv1.Version,
		Type:      typ,
		ID:        id,
		ProjectID: projectID,
		TS:        time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", typ, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
