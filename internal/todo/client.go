package todo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxResponseSize caps how much of a backend response is read.
const maxResponseSize = 1 << 20

// Client talks to the to-do backend. Authentication is handled by the
// underlying HTTP client's transport.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// List returns every to-do of the current user.
func (c *Client) List(ctx context.Context) ([]Todo, error) {
	var todos []Todo
	if err := c.do(ctx, http.MethodGet, "/todos", nil, &todos); err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	if todos == nil {
		todos = []Todo{}
	}
	return todos, nil
}

// Create adds a to-do.
func (c *Client) Create(ctx context.Context, in CreateInput) (*Todo, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var t Todo
	if err := c.do(ctx, http.MethodPost, "/todos", in, &t); err != nil {
		return nil, fmt.Errorf("failed to create todo: %w", err)
	}
	slog.Debug("todo created", "id", t.ID)
	return &t, nil
}

// Update changes the fields set in in.
func (c *Client) Update(ctx context.Context, id int, in UpdateInput) (*Todo, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var t Todo
	if err := c.do(ctx, http.MethodPut, todoPath(id), in, &t); err != nil {
		return nil, fmt.Errorf("failed to update todo %d: %w", id, err)
	}
	return &t, nil
}

// Delete removes a to-do.
func (c *Client) Delete(ctx context.Context, id int) error {
	if err := c.do(ctx, http.MethodDelete, todoPath(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete todo %d: %w", id, err)
	}
	slog.Debug("todo deleted", "id", id)
	return nil
}

// Toggle sets the completed flag of a to-do.
func (c *Client) Toggle(ctx context.Context, id int, completed bool) (*Todo, error) {
	body := struct {
		Completed bool `json:"completed"`
	}{completed}
	var t Todo
	if err := c.do(ctx, http.MethodPatch, todoPath(id)+"/toggle", body, &t); err != nil {
		return nil, fmt.Errorf("failed to toggle todo %d: %w", id, err)
	}
	return &t, nil
}

func todoPath(id int) string {
	return "/todos/" + url.PathEscape(strconv.Itoa(id))
}

// do sends a JSON request and decodes the response into out, unwrapping a
// {"data": ...} envelope when present.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrap(raw), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// unwrap returns the "data" member of an enveloped response, or raw.
func unwrap(raw []byte) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	if data, ok := env["data"]; ok {
		return data
	}
	return raw
}

// errorMessage extracts a message from an error body.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return truncate(strings.TrimSpace(string(raw)), maxMessageLen)
}

const maxMessageLen = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
