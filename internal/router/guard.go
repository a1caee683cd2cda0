// Package router decides what a view may render for a given auth state and
// keeps track of the current location.
package router

import (
	"errors"

	"github.com/al-bashkir/todoctl/internal/session"
)

// Application routes
const (
	RouteRoot  = "/"
	RouteLogin = "/login"
	RouteTodos = "/todos"
)

var (
	// ErrLoading is returned while the initial session lookup is in progress
	ErrLoading = errors.New("session is still loading")

	// ErrUnauthenticated is returned when protected content is requested without a session
	ErrUnauthenticated = errors.New("not logged in")
)

// Decision is the outcome of evaluating the guard.
type Decision int

const (
	// Loading means no decision can be made yet; render a placeholder
	Loading Decision = iota
	// Unauthenticated means the user must be sent to the login view
	Unauthenticated
	// Authenticated means protected content may be rendered
	Authenticated
)

func (d Decision) String() string {
	switch d {
	case Loading:
		return "loading"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Decide evaluates the guard for st.
func Decide(st session.State) Decision {
	if st.IsLoading {
		return Loading
	}
	if st.Session == nil || !st.IsLoggedIn {
		return Unauthenticated
	}
	return Authenticated
}

// Require returns nil when st allows protected content, ErrLoading or
// ErrUnauthenticated otherwise.
func Require(st session.State) error {
	switch Decide(st) {
	case Loading:
		return ErrLoading
	case Unauthenticated:
		return ErrUnauthenticated
	default:
		return nil
	}
}
