// Package idp implements the identity provider client: password sign-in,
// token refresh, sign-out and session-change notifications over OIDC.
package idp

import (
	"context"
	"errors"

	"github.com/al-bashkir/todoctl/internal/session"
)

var (
	// ErrNoSession is returned by storage when nothing has been persisted
	ErrNoSession = errors.New("no session")

	// ErrNoRefreshToken is returned when a refresh is requested without a refresh token
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrInvalidCredentials is matched by sign-in failures the provider attributes to the user
	ErrInvalidCredentials = errors.New("invalid login credentials")
)

// EventType names a session change pushed to subscribers.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Credentials are the e-mail and password used for password sign-in.
type Credentials struct {
	Email    string
	Password string
}

// Tokens is the pair pushed back into the client with SetSession.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// ChangeFunc receives session-change notifications. The session is nil
// after sign-out.
type ChangeFunc func(event EventType, sess *session.Session)

// Subscription is a standing registration for session-change notifications.
type Subscription interface {
	Unsubscribe()
}

// Provider is the identity provider contract consumed by the coordinator.
type Provider interface {
	// GetSession returns the current session, or nil when there is none.
	GetSession(ctx context.Context) (*session.Session, error)

	// OnSessionChange registers fn for every subsequent session change.
	OnSessionChange(fn ChangeFunc) Subscription

	// SignInWithPassword exchanges credentials for a new session.
	SignInWithPassword(ctx context.Context, creds Credentials) (*session.Session, error)

	// SignOut ends the current session.
	SignOut(ctx context.Context) error

	// RefreshSession mints a new session from the stored refresh token.
	RefreshSession(ctx context.Context) (*session.Session, error)

	// SetSession replaces the tokens held by the client.
	SetSession(ctx context.Context, tokens Tokens) (*session.Session, error)
}

// AuthError is a failure reported by the provider's token endpoint.
type AuthError struct {
	// Code is the OAuth2 error code (e.g. "invalid_grant")
	Code string

	// Message is the human-readable description shown to the user
	Message string

	// StatusCode is the HTTP status the token endpoint answered with
	StatusCode int

	err error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.err
}
