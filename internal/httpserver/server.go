// Package httpserver serves the local web UI: the login form, the guarded
// to-do list and a health check.
package httpserver

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/session"
	"github.com/al-bashkir/todoctl/internal/todo"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Authenticator runs the session lifecycle operations behind the forms.
type Authenticator interface {
	LogIn(ctx context.Context, creds idp.Credentials) error
	LogOut(ctx context.Context) error
	ClearError()
}

// TodoService is the backend used by the to-do pages.
type TodoService interface {
	List(ctx context.Context) ([]todo.Todo, error)
	Create(ctx context.Context, in todo.CreateInput) (*todo.Todo, error)
	Update(ctx context.Context, id int, in todo.UpdateInput) (*todo.Todo, error)
	Delete(ctx context.Context, id int) error
	Toggle(ctx context.Context, id int, completed bool) (*todo.Todo, error)
}

// Locator reports where the last navigation sent the user.
type Locator interface {
	Current() string
}

// Deps are the collaborators the server needs.
type Deps struct {
	Auth    Authenticator
	Store   *session.Store
	Todos   TodoService
	Locator Locator
	Version string
}

// Server is the HTTP server for the web UI
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	limiter    *IPRateLimiter
	deps       Deps
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if deps.Store == nil {
		deps.Store = session.NewStore()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		limiter:   newIPRateLimiter(10, 50),
		deps:      deps,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.Handle("GET /todos", s.requireAuth(http.HandlerFunc(s.handleTodos)))
	s.mux.Handle("POST /todos", s.requireAuth(http.HandlerFunc(s.handleCreateTodo)))
	s.mux.Handle("POST /todos/{id}", s.requireAuth(http.HandlerFunc(s.handleUpdateTodo)))
	s.mux.Handle("POST /todos/{id}/toggle", s.requireAuth(http.HandlerFunc(s.handleToggleTodo)))
	s.mux.Handle("POST /todos/{id}/delete", s.requireAuth(http.HandlerFunc(s.handleDeleteTodo)))

	// Wrap with middleware
	handler := crossOriginMiddleware(s.mux)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = s.limiter.middleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Backend calls made while handling a request are bounded by the API timeout
		WriteTimeout: cfg.API.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.cfg.Listen.HTTP)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// landing returns where a signed-in user should be sent.
func (s *Server) landing() string {
	if s.deps.Locator != nil {
		if p := s.deps.Locator.Current(); p != router.RouteLogin {
			return router.Resolve(p)
		}
	}
	return router.RouteTodos
}
