// Package todo is the client for the to-do backend REST API.
package todo

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTitleRequired is returned when a to-do is created without a title.
var ErrTitleRequired = errors.New("title is required")

// Todo is a single to-do item as returned by the backend.
type Todo struct {
	ID          int       `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateInput is the payload for creating a to-do.
type CreateInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

// Validate trims the title and rejects an empty one.
func (in *CreateInput) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return ErrTitleRequired
	}
	return nil
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// Validate rejects a title that is present but blank.
func (in *UpdateInput) Validate() error {
	if in.Title == nil {
		return nil
	}
	t := strings.TrimSpace(*in.Title)
	if t == "" {
		return ErrTitleRequired
	}
	in.Title = &t
	return nil
}

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
