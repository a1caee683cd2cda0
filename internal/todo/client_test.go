package todo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory to-do API.
type fakeBackend struct {
	mu     sync.Mutex
	todos  map[int]*Todo
	nextID int
}

func newFakeBackend(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{todos: map[int]*Todo{}, nextID: 1}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /todos", fb.list)
	mux.HandleFunc("POST /todos", fb.create)
	mux.HandleFunc("PUT /todos/{id}", fb.update)
	mux.HandleFunc("DELETE /todos/{id}", fb.remove)
	mux.HandleFunc("PATCH /todos/{id}/toggle", fb.toggle)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client()), fb
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fb *fakeBackend) lookup(w http.ResponseWriter, r *http.Request) *Todo {
	id, _ := strconv.Atoi(r.PathValue("id"))
	t, ok := fb.todos[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Todo not found"})
		return nil
	}
	return t
}

func (fb *fakeBackend) list(w http.ResponseWriter, _ *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := []Todo{}
	for i := 1; i < fb.nextID; i++ {
		if t, ok := fb.todos[i]; ok {
			out = append(out, *t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (fb *fakeBackend) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t := &Todo{ID: fb.nextID, Title: in.Title, Description: in.Description, CreatedAt: now, UpdatedAt: now}
	fb.todos[t.ID] = t
	fb.nextID++
	writeJSON(w, http.StatusCreated, t)
}

func (fb *fakeBackend) update(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	t := fb.lookup(w, r)
	if t == nil {
		return
	}
	var in UpdateInput
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = in.Description
	}
	if in.Completed != nil {
		t.Completed = *in.Completed
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": t})
}

func (fb *fakeBackend) remove(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	t := fb.lookup(w, r)
	if t == nil {
		return
	}
	delete(fb.todos, t.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (fb *fakeBackend) toggle(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	t := fb.lookup(w, r)
	if t == nil {
		return
	}
	var in struct {
		Completed bool `json:"completed"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	t.Completed = in.Completed
	writeJSON(w, http.StatusOK, t)
}

func TestClient_CRUD(t *testing.T) {
	client, _ := newFakeBackend(t)
	ctx := context.Background()

	todos, err := client.List(ctx)
	require.NoError(t, err)
	require.NotNil(t, todos)
	require.Empty(t, todos)

	created, err := client.Create(ctx, CreateInput{Title: "  buy milk ", Description: StringPtr("2 litres")})
	require.NoError(t, err)
	require.Equal(t, 1, created.ID)
	require.Equal(t, "buy milk", created.Title)
	require.NotNil(t, created.Description)
	require.Equal(t, "2 litres", *created.Description)
	require.False(t, created.Completed)

	toggled, err := client.Toggle(ctx, created.ID, true)
	require.NoError(t, err)
	require.True(t, toggled.Completed)

	title := "buy oat milk"
	updated, err := client.Update(ctx, created.ID, UpdateInput{Title: &title})
	require.NoError(t, err)
	require.Equal(t, "buy oat milk", updated.Title)
	require.True(t, updated.Completed)

	todos, err = client.List(ctx)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, "buy oat milk", todos[0].Title)

	require.NoError(t, client.Delete(ctx, created.ID))

	todos, err = client.List(ctx)
	require.NoError(t, err)
	require.Empty(t, todos)
}

func TestClient_CreateRequiresTitle(t *testing.T) {
	client, fb := newFakeBackend(t)

	_, err := client.Create(context.Background(), CreateInput{Title: "   "})
	require.ErrorIs(t, err, ErrTitleRequired)
	require.Empty(t, fb.todos)
}

func TestClient_UpdateRejectsBlankTitle(t *testing.T) {
	client, _ := newFakeBackend(t)

	blank := " "
	_, err := client.Update(context.Background(), 1, UpdateInput{Title: &blank})
	require.ErrorIs(t, err, ErrTitleRequired)
}

func TestClient_NotFound(t *testing.T) {
	client, _ := newFakeBackend(t)

	err := client.Delete(context.Background(), 42)
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Todo not found", apiErr.Message)
	require.Contains(t, err.Error(), "404")
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, srv.Client()).List(context.Background())
	require.Error(t, err)
	require.True(t, IsUnauthorized(err))
	require.False(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "missing token", apiErr.Message)
}

func TestClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, srv.Client()).List(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestUnwrap(t *testing.T) {
	require.JSONEq(t, `[1,2]`, string(unwrap([]byte(`{"data":[1,2]}`))))
	require.JSONEq(t, `{"id":1}`, string(unwrap([]byte(`{"id":1}`))))
	require.JSONEq(t, `[1]`, string(unwrap([]byte(`[1]`))))
}

func TestAPIErrorMessage(t *testing.T) {
	require.Equal(t, "backend returned status 500", (&APIError{StatusCode: 500}).Error())
	require.Equal(t, "a", errorMessage([]byte(`{"message":"a","error":"b"}`)))
	require.Equal(t, "b", errorMessage([]byte(`{"error":"b"}`)))
	require.Equal(t, "plain", errorMessage([]byte("plain\n")))

	long := strings.Repeat("a", 199) + "é" + strings.Repeat("b", 50)
	msg := errorMessage([]byte(long))
	require.True(t, utf8.ValidString(msg))
	require.Equal(t, strings.Repeat("a", 199), msg)
	require.LessOrEqual(t, len(errorMessage([]byte(strings.Repeat("ü", 300)))), 200)
	require.True(t, utf8.ValidString(errorMessage([]byte(strings.Repeat("ü", 300)))))
}
