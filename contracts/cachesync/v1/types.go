// Package v1 defines the Arc Cache Sync Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake time.
const Subprotocol = "arc.cachesync.v1"

// Handshake query parameters. The channel is authenticated with connection
// parameters, not headers: browser websocket clients cannot set custom
// headers at connect time, so query parameters are the only portable carrier.
const (
	QueryAccessToken = "access_token"
	QueryProjectID   = "project_id"
)

// Reserved close codes. Both are terminal: a client must not reconnect
// after receiving one.
const (
	CloseAuthRejected  = 4401
	CloseNotAuthorized = 4403
)

// Reserved close reasons paired with the codes above.
const (
	ReasonAuthRejected  = "authentication rejected"
	ReasonNotAuthorized = "not authorized for this project"
)

// TerminalClose reports whether a close code must stop reconnection.
func TerminalClose(code int) bool {
	return code == CloseAuthRejected || code == CloseNotAuthorized
}

// MaxEnvelopeBytes is the hard limit for a single websocket frame.
const MaxEnvelopeBytes = 64 << 10 // 64 KiB

// Type constants (wire-stable).
const (
	// TypeHello starts a channel session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the channel session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeProjectSwitch changes the active project without reopening the
	// channel (client -> server).
	TypeProjectSwitch = "project_switch"
	// TypeProjectSwitchAck confirms the active project (server -> client).
	TypeProjectSwitchAck = "project_switch_ack"

	// TypeCacheEvent carries a resource mutation notification
	// (server -> client).
	TypeCacheEvent = "cache_event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Actions carried by cache events (wire-stable).
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ValidAction reports whether a is a known cache-event action.
func ValidAction(a string) bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeProjectSwitch,
		TypeProjectSwitchAck,
		TypeCacheEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a channel session.
// Authentication already happened at handshake time via query parameters.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned channel session id and the
// project the channel is scoped to.
type HelloAckPayload struct {
	ChannelSessionID string `json:"channel_session_id"`
	ProjectID        string `json:"project_id"`
}

// ProjectSwitchPayload requests a different active project on the open channel.
type ProjectSwitchPayload struct {
	ProjectID string `json:"project_id"`
}

// ProjectSwitchAckPayload confirms the new active project.
type ProjectSwitchAckPayload struct {
	ProjectID string `json:"project_id"`
}

// CacheEventPayload describes a server-side resource mutation the local
// cache must react to. Consumed exactly once per delivery.
type CacheEventPayload struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Action       string    `json:"action"`
	ProjectID    string    `json:"project_id"`
	TS           time.Time `json:"ts"`
}

// Validate checks the fields a client dispatcher depends on.
func (p CacheEventPayload) Validate() error {
	if strings.TrimSpace(p.ResourceType) == "" {
		return errors.New("missing field: resource_type")
	}
	if !ValidAction(p.Action) {
		return fmt.Errorf("unknown action: %q", p.Action)
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return errors.New("missing field: project_id")
	}
	return nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
