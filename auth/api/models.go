package authapi

import "time"

// User is the public identity shape returned by login, /me and invite
// consumption.
type User struct {
	ID          string    `json:"id"`
	Username    *string   `json:"username,omitempty"`
	Email       *string   `json:"email,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	Bio         *string   `json:"bio,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is the credential bundle issued on login and refresh. On the web
// platform RefreshToken is empty and the refresh credential travels only in
// the HTTP-only cookie.
type Session struct {
	SessionID        string     `json:"session_id"`
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

// Credentials identifies the account on login. Identifier may be a username
// or an email address; anything containing "@" is sent as an email.
type Credentials struct {
	Identifier string
	Password   string
}

// LoginResult is the combined identity and credential payload from a
// successful login or invite consumption.
type LoginResult struct {
	User    User
	Session Session
}

// InviteCreateInput configures a new invite.
type InviteCreateInput struct {
	ExpiresInSeconds int64
	MaxUses          int
	Note             *string
}

// Invite is a freshly created invite. InviteToken is shown once.
type Invite struct {
	InviteID    string    `json:"invite_id"`
	InviteToken string    `json:"invite_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxUses     int       `json:"max_uses"`
}

// InviteConsumeInput registers a new account against an invite token.
type InviteConsumeInput struct {
	InviteToken string
	Username    *string
	Email       *string
	Password    string
}

type loginRequest struct {
	Username   *string `json:"username,omitempty"`
	Email      *string `json:"email,omitempty"`
	Password   string  `json:"password"`
	RememberMe bool    `json:"remember_me"`
	Platform   string  `json:"platform"`
}

type refreshRequest struct {
	Platform   string `json:"platform"`
	RememberMe bool   `json:"remember_me"`
}

type inviteCreateRequest struct {
	ExpiresInSeconds int64   `json:"expires_in_seconds,omitempty"`
	MaxUses          int     `json:"max_uses,omitempty"`
	Note             *string `json:"note,omitempty"`
}

type inviteConsumeRequest struct {
	InviteToken string  `json:"invite_token"`
	Username    *string `json:"username,omitempty"`
	Email       *string `json:"email,omitempty"`
	Password    string  `json:"password"`
	Platform    string  `json:"platform"`
}

type loginResponse struct {
	User    User    `json:"user"`
	Session Session `json:"session"`
}

type refreshResponse struct {
	Session Session `json:"session"`
}

type meResponse struct {
	User User `json:"user"`
}

type inviteConsumeResponse struct {
	User    User    `json:"user"`
	Session Session `json:"session"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
