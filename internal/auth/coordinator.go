// Package auth coordinates the session lifecycle: startup session lookup,
// login, logout, token refresh and provider change notifications.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/logsanitize"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/session"
)

var (
	// ErrLoginFailed wraps every failed LogIn
	ErrLoginFailed = errors.New("login failed")

	// ErrLogoutFailed wraps every failed LogOut
	ErrLogoutFailed = errors.New("logout failed")

	// ErrRefreshFailed is returned when no new access token could be obtained
	ErrRefreshFailed = errors.New("token refresh failed")
)

// refreshTimeout bounds a coalesced refresh independently of the caller
// that happened to start it.
const refreshTimeout = 30 * time.Second

// Navigator moves the user between views.
type Navigator interface {
	Navigate(path string)
}

// mutation is a queued write to the auth state.
type mutation struct {
	apply   func(*session.State)
	applied chan struct{}
}

// Coordinator is the only writer of the auth state. Writes from explicit
// operations and from provider notifications go through one queue and are
// applied to the store in arrival order by a single goroutine.
type Coordinator struct {
	provider  idp.Provider
	store     *session.Store
	navigator Navigator

	mutations chan mutation
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	subMu sync.Mutex
	sub   idp.Subscription

	refreshGroup singleflight.Group
}

// NewCoordinator creates a coordinator and starts its mutation loop.
// Call Close when the coordinator is no longer needed.
func NewCoordinator(provider idp.Provider, store *session.Store, navigator Navigator) *Coordinator {
	c := &Coordinator{
		provider:  provider,
		store:     store,
		navigator: navigator,
		mutations: make(chan mutation),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.run()

	return c
}

// run applies queued mutations until Close is called.
func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case m := <-c.mutations:
			c.store.Apply(m.apply)
			close(m.applied)
		case <-c.stop:
			return
		}
	}
}

// apply queues fn and waits until it has been written to the store.
// After Close it is a no-op.
func (c *Coordinator) apply(fn func(*session.State)) {
	m := mutation{apply: fn, applied: make(chan struct{})}
	select {
	case c.mutations <- m:
	case <-c.done:
		return
	}
	<-m.applied
}

func (c *Coordinator) setLoading(v bool) {
	c.apply(func(st *session.State) { st.IsLoading = v })
}

// Initialize loads the current session from the provider and subscribes to
// session changes. IsLoading is always false when it returns. A failed
// lookup is treated as logged out and is not returned to the caller.
func (c *Coordinator) Initialize(ctx context.Context) {
	slog.Debug("starting auth initialization")

	c.setLoading(true)
	defer c.setLoading(false)

	c.subMu.Lock()
	if c.sub == nil {
		c.sub = c.provider.OnSessionChange(c.handleSessionChange)
	}
	c.subMu.Unlock()

	sess, err := c.provider.GetSession(ctx)
	if err != nil {
		slog.Error("failed to get session", "error", err)
		c.apply(func(st *session.State) {
			st.Session = nil
			st.IsLoggedIn = false
		})
		return
	}

	slog.Debug("session loaded", "logged_in", sess != nil)
	c.apply(func(st *session.State) {
		st.Session = sess.Clone()
		st.IsLoggedIn = sess != nil
	})
}

// handleSessionChange overwrites the cached session with whatever the
// provider reports, regardless of operations in flight.
func (c *Coordinator) handleSessionChange(event idp.EventType, sess *session.Session) {
	slog.Info("auth state changed",
		"event", string(event),
		"email", logsanitize.Sanitize(userEmail(sess)),
	)
	c.apply(func(st *session.State) {
		st.Session = sess.Clone()
		st.IsLoggedIn = sess != nil
	})
}

// LogIn signs in with e-mail and password. On success the session is stored
// and the user is sent to the to-do list. On failure the error message is
// recorded in the state, the session is left as it was, and the error is
// returned wrapped in ErrLoginFailed.
//
// Signing in while a session exists replaces that session.
func (c *Coordinator) LogIn(ctx context.Context, creds idp.Credentials) error {
	c.apply(func(st *session.State) {
		st.IsLoading = true
		st.Error = ""
	})
	defer c.setLoading(false)

	if st := c.store.Snapshot(); st.IsLoggedIn {
		slog.Info("signing in over an existing session",
			"current_user", logsanitize.Sanitize(userEmail(st.Session)),
		)
	}

	sess, err := c.provider.SignInWithPassword(ctx, creds)
	if err == nil && sess == nil {
		err = errors.New("provider returned no session")
	}
	if err != nil {
		msg := errorMessage(err)
		slog.Error("login error", "error", logsanitize.Sanitize(msg))
		c.apply(func(st *session.State) { st.Error = msg })
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	c.apply(func(st *session.State) {
		st.Session = sess.Clone()
		st.IsLoggedIn = true
	})

	slog.Info("login successful", "email", logsanitize.Sanitize(userEmail(sess)))
	c.navigate(router.RouteTodos)
	return nil
}

// LogOut signs out at the provider. On success the local state is cleared
// and the user is sent to the login view. On failure the error message is
// recorded and the local session is kept, so a transient failure does not
// discard an active session.
//
// If the provider revoked the token but the reply was lost, the kept session
// is already dead server-side. The next backend call then fails to refresh
// and the request pipeline forces a logout.
func (c *Coordinator) LogOut(ctx context.Context) error {
	c.apply(func(st *session.State) {
		st.IsLoading = true
		st.Error = ""
	})
	defer c.setLoading(false)

	if err := c.provider.SignOut(ctx); err != nil {
		msg := errorMessage(err)
		slog.Warn("sign out failed, keeping local session", "error", logsanitize.Sanitize(msg))
		c.apply(func(st *session.State) { st.Error = msg })
		return fmt.Errorf("%w: %w", ErrLogoutFailed, err)
	}

	c.apply(func(st *session.State) {
		st.Session = nil
		st.IsLoggedIn = false
	})

	slog.Info("logout successful")
	c.navigate(router.RouteLogin)
	return nil
}

// ClearError removes the last error message.
func (c *Coordinator) ClearError() {
	c.apply(func(st *session.State) { st.Error = "" })
}

// AccessToken returns the access token of the cached session, or "" when
// there is none.
func (c *Coordinator) AccessToken() string {
	st := c.store.Snapshot()
	if st.Session == nil {
		return ""
	}
	return st.Session.AccessToken
}

// Refresh obtains a new access token from the refresh token. Concurrent
// callers share a single in-flight refresh.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})
	if shared {
		slog.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	current, err := c.provider.GetSession(ctx)
	if err != nil {
		slog.Error("failed to refresh token", "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if current == nil || current.RefreshToken == "" {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, idp.ErrNoRefreshToken)
	}

	refreshed, err := c.provider.RefreshSession(ctx)
	if err != nil {
		slog.Error("failed to refresh token", "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if refreshed == nil || refreshed.AccessToken == "" {
		return "", fmt.Errorf("%w: provider returned no session", ErrRefreshFailed)
	}

	stored, err := c.provider.SetSession(ctx, idp.Tokens{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
	})
	if err != nil {
		slog.Error("failed to store refreshed session", "error", err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	// Only a cached session is updated; a logged-out state is not revived here
	c.apply(func(st *session.State) {
		if st.Session == nil {
			return
		}
		st.Session.AccessToken = stored.AccessToken
		st.Session.RefreshToken = stored.RefreshToken
		st.Session.ExpiresAt = stored.ExpiresAt
	})

	slog.Debug("access token refreshed", "token", logsanitize.Token(stored.AccessToken))
	return stored.AccessToken, nil
}

// ForceLogout clears the local state without contacting the provider.
func (c *Coordinator) ForceLogout() {
	slog.Warn("session could not be recovered, forcing logout")
	c.apply(func(st *session.State) { *st = session.LoggedOut() })
}

// Close removes the provider subscription and stops the mutation loop.
// It is safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.subMu.Lock()
		if c.sub != nil {
			c.sub.Unsubscribe()
			c.sub = nil
		}
		c.subMu.Unlock()

		close(c.stop)
		<-c.done
	})
}

func (c *Coordinator) navigate(path string) {
	if c.navigator != nil {
		c.navigator.Navigate(path)
	}
}

// errorMessage returns the human-readable part of a provider error.
func errorMessage(err error) string {
	var authErr *idp.AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "An error occurred"
}

func userEmail(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.User.Email
}
