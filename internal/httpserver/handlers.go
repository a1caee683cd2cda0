package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/session"
	"github.com/al-bashkir/todoctl/internal/todo"
)

// maxFormSize bounds form bodies.
const maxFormSize = 64 << 10

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, router.Resolve(router.RouteRoot), http.StatusFound)
}

// handleLoginPage shows the login form. A signed-in user is sent on to the
// list instead.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Store.Snapshot()
	switch router.Decide(st) {
	case router.Loading:
		s.renderLoading(w)
		return
	case router.Authenticated:
		http.Redirect(w, r, s.landing(), http.StatusSeeOther)
		return
	}

	s.renderLogin(w, http.StatusOK, loginPage{Error: s.takeError(st)})
}

// takeError returns the last auth error and clears it, so a message is
// shown on one page load only.
func (s *Server) takeError(st session.State) string {
	if st.Error != "" && s.deps.Auth != nil {
		s.deps.Auth.ClearError()
	}
	return st.Error
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		s.renderError(w, http.StatusServiceUnavailable, "Authentication is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, loginPage{Error: "Invalid form submission"})
		return
	}

	creds := idp.Credentials{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}

	slog.Info("login form submitted", // #nosec G706 -- values sanitized via sanitizeLog
		"email", sanitizeLog(creds.Email),
		"remote_addr", sanitizeLog(r.RemoteAddr),
	)

	if err := s.deps.Auth.LogIn(r.Context(), creds); err != nil {
		msg := s.takeError(s.deps.Store.Snapshot())
		if msg == "" {
			msg = "Login failed"
		}
		s.renderLogin(w, http.StatusUnauthorized, loginPage{Email: creds.Email, Error: msg})
		return
	}

	http.Redirect(w, r, s.landing(), http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		s.renderError(w, http.StatusServiceUnavailable, "Authentication is not configured")
		return
	}

	if err := s.deps.Auth.LogOut(r.Context()); err != nil {
		// The session is kept; show the error on the list it came from
		slog.Warn("logout failed", "error", err)
		http.Redirect(w, r, router.RouteTodos, http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, router.RouteLogin, http.StatusSeeOther)
}

func (s *Server) handleTodos(w http.ResponseWriter, r *http.Request) {
	s.showTodos(w, r, http.StatusOK, "")
}

// showTodos renders the list with an optional error from a failed action.
func (s *Server) showTodos(w http.ResponseWriter, r *http.Request, status int, actionErr string) {
	st := s.deps.Store.Snapshot()
	page := todosPage{Error: actionErr}
	if page.Error == "" {
		page.Error = s.takeError(st)
	}
	if st.Session != nil {
		page.User = st.Session.User
	}

	todos, err := s.todos().List(r.Context())
	if err != nil {
		if s.sessionLost(w, r, err) {
			return
		}
		slog.Error("failed to load todos", "error", err)
		page.Error = "Could not load your to-dos"
		s.renderTodos(w, http.StatusBadGateway, page)
		return
	}
	page.Todos = todos
	s.renderTodos(w, status, page)
}

func (s *Server) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.showTodos(w, r, http.StatusBadRequest, "Invalid form submission")
		return
	}

	in := todo.CreateInput{
		Title:       r.PostFormValue("title"),
		Description: todo.StringPtr(strings.TrimSpace(r.PostFormValue("description"))),
	}
	if _, err := s.todos().Create(r.Context(), in); err != nil {
		s.actionFailed(w, r, "create", err)
		return
	}
	http.Redirect(w, r, router.RouteTodos, http.StatusSeeOther)
}

func (s *Server) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.todoID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.showTodos(w, r, http.StatusBadRequest, "Invalid form submission")
		return
	}

	var in todo.UpdateInput
	if r.PostForm.Has("title") {
		title := r.PostFormValue("title")
		in.Title = &title
	}
	if r.PostForm.Has("description") {
		desc := strings.TrimSpace(r.PostFormValue("description"))
		in.Description = &desc
	}

	if _, err := s.todos().Update(r.Context(), id, in); err != nil {
		s.actionFailed(w, r, "update", err)
		return
	}
	http.Redirect(w, r, router.RouteTodos, http.StatusSeeOther)
}

func (s *Server) handleToggleTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.todoID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.showTodos(w, r, http.StatusBadRequest, "Invalid form submission")
		return
	}
	completed := r.PostFormValue("completed") == "true"

	if _, err := s.todos().Toggle(r.Context(), id, completed); err != nil {
		s.actionFailed(w, r, "toggle", err)
		return
	}
	http.Redirect(w, r, router.RouteTodos, http.StatusSeeOther)
}

func (s *Server) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.todoID(w, r)
	if !ok {
		return
	}
	if err := s.todos().Delete(r.Context(), id); err != nil {
		s.actionFailed(w, r, "delete", err)
		return
	}
	http.Redirect(w, r, router.RouteTodos, http.StatusSeeOther)
}

func (s *Server) todos() TodoService {
	if s.deps.Todos == nil {
		return unavailableTodos{}
	}
	return s.deps.Todos
}

func (s *Server) todoID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		s.renderError(w, http.StatusBadRequest, "Invalid to-do id")
		return 0, false
	}
	return id, true
}

// actionFailed re-renders the list with a message for a failed action.
func (s *Server) actionFailed(w http.ResponseWriter, r *http.Request, action string, err error) {
	if s.sessionLost(w, r, err) {
		return
	}

	slog.Error("todo action failed", "action", action, "error", err)

	status := http.StatusBadGateway
	msg := "Could not " + action + " the to-do"
	switch {
	case errors.Is(err, todo.ErrTitleRequired):
		status = http.StatusBadRequest
		msg = "Title is required"
	case todo.IsNotFound(err):
		status = http.StatusNotFound
		msg = "That to-do no longer exists"
	}
	s.showTodos(w, r, status, msg)
}

// sessionLost redirects to the login form when the backend still rejects
// the request after the transport's refresh attempt.
func (s *Server) sessionLost(w http.ResponseWriter, r *http.Request, err error) bool {
	if !todo.IsUnauthorized(err) {
		return false
	}
	slog.Warn("backend rejected credentials", "path", sanitizeLog(r.URL.Path))
	if router.Decide(s.deps.Store.Snapshot()) == router.Authenticated {
		s.showLoginError(w, "Your session has expired. Please log in again.")
		return true
	}
	http.Redirect(w, r, router.RouteLogin, http.StatusSeeOther)
	return true
}

func (s *Server) showLoginError(w http.ResponseWriter, msg string) {
	s.renderLogin(w, http.StatusUnauthorized, loginPage{Error: msg})
}

// errNoBackend is returned when the server runs without a to-do backend.
var errNoBackend = errors.New("no to-do backend configured")

type unavailableTodos struct{}

func (unavailableTodos) List(context.Context) ([]todo.Todo, error) { return nil, errNoBackend }

func (unavailableTodos) Create(context.Context, todo.CreateInput) (*todo.Todo, error) {
	return nil, errNoBackend
}

func (unavailableTodos) Update(context.Context, int, todo.UpdateInput) (*todo.Todo, error) {
	return nil, errNoBackend
}

func (unavailableTodos) Delete(context.Context, int) error { return errNoBackend }

func (unavailableTodos) Toggle(context.Context, int, bool) (*todo.Todo, error) {
	return nil, errNoBackend
}
