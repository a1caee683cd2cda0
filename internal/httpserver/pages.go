package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/al-bashkir/todoctl/internal/session"
	"github.com/al-bashkir/todoctl/internal/todo"
)

type loginPage struct {
	Email string
	Error string
}

type todosPage struct {
	User      session.User
	Todos     []todo.Todo
	Remaining int
	Error     string
}

type errorPage struct {
	Error string
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
	}
}

// renderLogin renders the login form
func (s *Server) renderLogin(w http.ResponseWriter, status int, data loginPage) {
	s.render(w, status, "login.html", data)
}

// renderTodos renders the to-do list
func (s *Server) renderTodos(w http.ResponseWriter, status int, data todosPage) {
	for _, t := range data.Todos {
		if !t.Completed {
			data.Remaining++
		}
	}
	s.render(w, status, "todos.html", data)
}

// renderLoading renders the placeholder shown while the session is loading
func (s *Server) renderLoading(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	s.render(w, http.StatusServiceUnavailable, "loading.html", nil)
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, status int, errMsg string) {
	s.render(w, status, "error.html", errorPage{Error: errMsg})
}
