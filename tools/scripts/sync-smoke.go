// Package main provides a CI-friendly smoke test for the Arc cache sync
// channel.
//
// It validates:
//   - login -> access token (or an explicitly supplied token)
//   - handshake with query-parameter auth + subprotocol selection
//   - hello/ack channel session establishment
//   - project_switch -> ack without a redial
//   - optional cache_event delivery while a resource is mutated out of band
//   - optional rejection probe: a garbage token must not get a channel
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	authapi "arc/client/auth/api"
	v1 "arc/client/contracts/cachesync/v1"
)

type smokeChannel struct {
	conn             *websocket.Conn
	channelSessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		syncURL     = flag.String("url", "ws://127.0.0.1:8080/api/v1/sync", "Sync channel URL")
		apiURL      = flag.String("api", "http://127.0.0.1:8080", "Auth API base URL (used when -token is empty)")
		identifier  = flag.String("user", "", "Login identifier (username or email)")
		password    = flag.String("pass", "", "Login password")
		token       = flag.String("token", "", "Access token (skips login)")
		projectID   = flag.String("project", "dev-project-1", "Project to scope the channel to")
		switchTo    = flag.String("switch", "", "Optional project to switch to after hello")
		waitEvent   = flag.Duration("wait-event", 0, "Wait this long for one cache_event (0 disables)")
		checkReject = flag.Bool("check-reject", false, "Probe that a garbage token is rejected")
		timeout     = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateSyncURL(*syncURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*projectID) == "" {
		fatalf("-project is required")
	}

	root := context.Background()

	access := strings.TrimSpace(*token)
	if access == "" {
		access = mustLogin(root, *apiURL, *identifier, *password, *timeout)
		if *verbose {
			fmt.Printf("logged in: token_len=%d\n", len(access))
		}
	}

	if *checkReject {
		mustRejectGarbageToken(root, *syncURL, *projectID, *timeout)
		if *verbose {
			fmt.Println("rejection probe: garbage token refused")
		}
	}

	ch := mustConnect(root, *syncURL, access, *projectID, *timeout)
	defer closeWS(ch.conn)

	if *verbose {
		fmt.Printf("connected: channel_session_id=%s project_id=%s\n", ch.channelSessionID, *projectID)
	}

	activeProject := *projectID
	if strings.TrimSpace(*switchTo) != "" {
		mustSwitchProject(root, ch, *switchTo, *timeout)
		activeProject = *switchTo
		if *verbose {
			fmt.Printf("switched: project_id=%s (same channel session)\n", activeProject)
		}
	}

	eventNote := "skipped"
	if *waitEvent > 0 {
		p := mustReceiveCacheEvent(root, ch, activeProject, *waitEvent)
		eventNote = fmt.Sprintf("%s/%s", p.ResourceType, p.Action)
	}

	fmt.Printf("OK: channel_session_id=%s project_id=%s cache_event=%s\n", ch.channelSessionID, activeProject, eventNote)
}

func validateSyncURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustLogin(parent context.Context, apiURL, identifier, password string, stepTimeout time.Duration) string {
	if strings.TrimSpace(identifier) == "" || password == "" {
		fatalf("either -token or -user/-pass is required")
	}

	client, err := authapi.NewClient(authapi.Config{BaseURL: apiURL}, nil)
	if err != nil {
		fatalf("auth client: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	res, err := client.Login(ctx, authapi.Credentials{Identifier: identifier, Password: password})
	if err != nil {
		fatalf("login: %v", err)
	}
	if strings.TrimSpace(res.Session.AccessToken) == "" {
		fatalf("login returned an empty access token")
	}
	return res.Session.AccessToken
}

func channelURL(syncURL, accessToken, projectID string) string {
	u, err := url.Parse(syncURL)
	if err != nil {
		fatalf("parse sync url: %v", err)
	}
	q := u.Query()
	q.Set(v1.QueryAccessToken, accessToken)
	q.Set(v1.QueryProjectID, projectID)
	u.RawQuery = q.Encode()
	return u.String()
}

func mustConnect(parent context.Context, syncURL, accessToken, projectID string, stepTimeout time.Duration) *smokeChannel {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, channelURL(syncURL, accessToken, projectID), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != "" && got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(v1.MaxEnvelopeBytes)

	ch := &smokeChannel{
		conn:  conn,
		inbox: make(chan v1.Envelope, 128),
		errCh: make(chan error, 1),
	}
	ch.startReadLoop()

	hello := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeHello,
		ID:        fmt.Sprintf("smoke-hello-%d", time.Now().UnixNano()),
		ProjectID: projectID,
		TS:        time.Now().UTC(),
		Payload:   mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := ch.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.ChannelSessionID) == "" {
		fatalf("hello_ack missing channel_session_id")
	}
	if p.ProjectID != projectID {
		fatalf("hello_ack project_id mismatch: got=%q want=%q", p.ProjectID, projectID)
	}
	ch.channelSessionID = p.ChannelSessionID

	return ch
}

func mustRejectGarbageToken(parent context.Context, syncURL, projectID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, channelURL(syncURL, "not-a-real-token", projectID), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		// Refused at handshake time; that is the expected outcome.
		return
	}
	defer closeWS(conn)

	// Some gateways accept the upgrade and then close with a terminal code.
	_, _, rerr := conn.Read(ctx)
	if rerr == nil {
		fatalf("rejection probe: server delivered a frame to a garbage token")
	}
	if code := websocket.CloseStatus(rerr); !v1.TerminalClose(int(code)) {
		fatalf("rejection probe: close code %d is not terminal", code)
	}
}

func (c *smokeChannel) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSwitchProject(parent context.Context, c *smokeChannel, projectID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeProjectSwitch,
		ID:        fmt.Sprintf("smoke-switch-%d", time.Now().UnixNano()),
		ProjectID: projectID,
		TS:        time.Now().UTC(),
		Payload:   mustJSON(v1.ProjectSwitchPayload{ProjectID: projectID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeProjectSwitchAck, stepTimeout)

	var p v1.ProjectSwitchAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal project_switch_ack payload: %v", err)
	}
	if p.ProjectID != projectID {
		fatalf("project_switch_ack mismatch: got=%q want=%q", p.ProjectID, projectID)
	}
}

func mustReceiveCacheEvent(parent context.Context, c *smokeChannel, projectID string, wait time.Duration) v1.CacheEventPayload {
	env := c.mustReadUntilType(parent, v1.TypeCacheEvent, wait)

	var p v1.CacheEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal cache_event payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		fatalf("cache_event invalid: %v", err)
	}
	if p.ProjectID != projectID {
		fatalf("cache_event project_id mismatch: got=%q want=%q", p.ProjectID, projectID)
	}
	return p
}

func (c *smokeChannel) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q", wantType)
			}
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			// Unsolicited cache events are normal channel traffic; anything
			// else while stepping is a protocol violation.
			if env.Type == v1.TypeCacheEvent {
				continue
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
