// Package session holds the authentication state shared by the coordinator,
// the request pipeline and the route guard.
package session

import (
	"time"
)

// User is the identity a session belongs to.
type User struct {
	// ID is the subject claim issued by the identity provider
	ID string `json:"id"`

	// Email is the address the user signed in with (may be empty)
	Email string `json:"email,omitempty"`

	// Name is the display name, when the provider returns one
	Name string `json:"name,omitempty"`
}

// Session represents the credential bundle issued by the identity provider.
// A session with an empty AccessToken is never used for authenticated calls.
type Session struct {
	// AccessToken is the short-lived bearer credential sent to the backend
	AccessToken string `json:"access_token"`

	// RefreshToken is the longer-lived credential used to mint a new access token
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the raw OIDC ID token, if the provider issued one
	IDToken string `json:"id_token,omitempty"`

	// TokenType is usually "Bearer"
	TokenType string `json:"token_type,omitempty"`

	// ExpiresAt is when the access token expires (zero when unknown)
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// User is the identity associated with this session
	User User `json:"user"`
}

// Expired reports whether the access token expires within margin of now.
// A session without a known expiry never reports as expired.
func (s *Session) Expired(now time.Time, margin time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// Clone returns a copy of the session so callers cannot mutate shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// State is the authentication state observed by the rest of the application.
type State struct {
	Session    *Session
	IsLoading  bool
	IsLoggedIn bool
	Error      string
}

// NewState returns the state the application starts with: loading and
// without a session.
func NewState() State {
	return State{IsLoading: true}
}

// Consistent reports whether IsLoggedIn agrees with the presence of a session.
func (s State) Consistent() bool {
	return s.IsLoggedIn == (s.Session != nil)
}

// LoggedOut is the state forced onto the store when the session can no
// longer be recovered.
func LoggedOut() State {
	return State{}
}
