package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/session"
	"github.com/al-bashkir/todoctl/internal/todo"
)

// testIssuer is a minimal OIDC provider issuing opaque tokens.
type testIssuer struct {
	url           string
	refreshFails  atomic.Bool
	refreshCalls  atomic.Int32
	passwordCalls atomic.Int32
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	iss := &testIssuer{}
	var baseURL string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := baseURL + "/realms/test"

		switch r.URL.Path {
		case "/realms/test/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 issuer,
				"authorization_endpoint": issuer + "/auth",
				"token_endpoint":         issuer + "/token",
				"jwks_uri":               issuer + "/keys",
			})
		case "/realms/test/token":
			_ = r.ParseForm()
			w.Header().Set("Content-Type", "application/json")
			switch r.PostForm.Get("grant_type") {
			case "password":
				iss.passwordCalls.Add(1)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "T1",
					"refresh_token": "R1",
					"token_type":    "Bearer",
					"expires_in":    3600,
				})
			case "refresh_token":
				iss.refreshCalls.Add(1)
				if iss.refreshFails.Load() {
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error":             "invalid_grant",
						"error_description": "Token is not active",
					})
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "T2",
					"refresh_token": "R2",
					"token_type":    "Bearer",
					"expires_in":    3600,
				})
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	baseURL = ts.URL
	iss.url = baseURL + "/realms/test"
	t.Cleanup(ts.Close)

	return iss
}

// testBackend accepts only the given bearer token.
type testBackend struct {
	mu    sync.Mutex
	valid string
	seen  []string
}

func newTestBackend(t *testing.T, valid string) (*testBackend, string) {
	t.Helper()
	b := &testBackend{valid: valid}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		b.mu.Lock()
		b.seen = append(b.seen, auth)
		ok := auth == "Bearer "+b.valid
		b.mu.Unlock()

		if !ok {
			http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":1,"title":"buy milk","completed":false}]}`))
	}))
	t.Cleanup(ts.Close)
	return b, ts.URL
}

func testConfig(issuer, apiURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.URL = apiURL
	cfg.API.RateLimit = 0
	cfg.OIDC.Issuer = issuer
	cfg.OIDC.ClientID = "todoctl"
	cfg.OIDC.AutoRefresh = false
	cfg.Session.Storage = config.StorageMemory
	cfg.Listen.HTTP = "127.0.0.1:0"
	return cfg
}

func TestNewApp_InitializeWithoutSession(t *testing.T) {
	iss := newTestIssuer(t)
	cfg := testConfig(iss.url, "http://127.0.0.1:1")

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	app.Auth.Initialize(context.Background())

	st := app.Store.Snapshot()
	if st.IsLoading || st.IsLoggedIn || st.Session != nil {
		t.Errorf("unexpected state after initialize: %+v", st)
	}
}

func TestNewApp_Errors(t *testing.T) {
	iss := newTestIssuer(t)

	cfg := testConfig(iss.url, "http://127.0.0.1:1")
	cfg.Session.Storage = "floppy"
	if _, err := NewApp(cfg); err == nil || !strings.Contains(err.Error(), "session storage") {
		t.Errorf("expected storage error, got %v", err)
	}

	cfg = testConfig("http://127.0.0.1:1/realms/none", "http://127.0.0.1:1")
	if _, err := NewApp(cfg); err == nil || !strings.Contains(err.Error(), "identity provider") {
		t.Errorf("expected discovery error, got %v", err)
	}
}

// Login, then a backend call with an expired token is refreshed and retried.
func TestApp_RefreshAndRetry(t *testing.T) {
	iss := newTestIssuer(t)
	backend, apiURL := newTestBackend(t, "T2")

	app, err := NewApp(testConfig(iss.url, apiURL))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	ctx := context.Background()
	app.Auth.Initialize(ctx)

	if err := app.Auth.LogIn(ctx, idp.Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("LogIn failed: %v", err)
	}
	if got := app.History.Current(); got != "/todos" {
		t.Errorf("expected navigation to /todos, got %s", got)
	}

	todos, err := app.Todos.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(todos) != 1 || todos[0].Title != "buy milk" {
		t.Errorf("unexpected todos: %+v", todos)
	}

	backend.mu.Lock()
	seen := append([]string(nil), backend.seen...)
	backend.mu.Unlock()
	if len(seen) != 2 || seen[0] != "Bearer T1" || seen[1] != "Bearer T2" {
		t.Errorf("unexpected authorization headers: %v", seen)
	}
	if iss.refreshCalls.Load() != 1 {
		t.Errorf("expected 1 refresh, got %d", iss.refreshCalls.Load())
	}

	st := app.Store.Snapshot()
	if st.Session == nil || st.Session.AccessToken != "T2" || st.Session.RefreshToken != "R2" {
		t.Errorf("store not updated with refreshed session: %+v", st.Session)
	}

	stored, err := app.Provider.GetSession(ctx)
	if err != nil || stored == nil || stored.AccessToken != "T2" {
		t.Errorf("provider not updated with refreshed session: %+v, %v", stored, err)
	}
}

// When the refresh is rejected the user is logged out and sees the 401.
func TestApp_RefreshFailureForcesLogout(t *testing.T) {
	iss := newTestIssuer(t)
	iss.refreshFails.Store(true)
	_, apiURL := newTestBackend(t, "T2")

	app, err := NewApp(testConfig(iss.url, apiURL))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	ctx := context.Background()
	app.Auth.Initialize(ctx)
	if err := app.Auth.LogIn(ctx, idp.Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("LogIn failed: %v", err)
	}

	_, err = app.Todos.List(ctx)
	if !todo.IsUnauthorized(err) {
		t.Fatalf("expected original 401, got %v", err)
	}

	st := app.Store.Snapshot()
	if st.Session != nil || st.IsLoggedIn {
		t.Errorf("expected logged-out state, got %+v", st)
	}
}

// A rejected refresh token must not come back after a restart.
func TestApp_ForcedLogoutSurvivesRestart(t *testing.T) {
	iss := newTestIssuer(t)
	iss.refreshFails.Store(true)
	_, apiURL := newTestBackend(t, "T2")

	cfg := testConfig(iss.url, apiURL)
	cfg.Session.Storage = config.StorageFile
	cfg.Session.File = filepath.Join(t.TempDir(), "session.json")

	ctx := context.Background()
	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	app.Auth.Initialize(ctx)
	if err := app.Auth.LogIn(ctx, idp.Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("LogIn failed: %v", err)
	}
	if _, err := app.Todos.List(ctx); !todo.IsUnauthorized(err) {
		t.Fatalf("expected original 401, got %v", err)
	}

	// The dead refresh token is not tried again.
	if _, err := app.Todos.List(ctx); !todo.IsUnauthorized(err) {
		t.Fatalf("expected 401 without a session, got %v", err)
	}
	if got := iss.refreshCalls.Load(); got != 1 {
		t.Errorf("expected 1 refresh call, got %d", got)
	}
	app.Close()

	next, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp after restart failed: %v", err)
	}
	defer next.Close()
	next.Auth.Initialize(ctx)

	st := next.Store.Snapshot()
	if st.Session != nil || st.IsLoggedIn {
		t.Errorf("expected logged-out state after restart, got %+v", st)
	}
}

func TestWatchState(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })

	store := session.NewStore()
	history := router.NewHistory(router.RouteLogin)
	unwatch := watchState(store, history)

	store.Apply(func(st *session.State) {
		st.Session = &session.Session{AccessToken: "T1"}
		st.IsLoggedIn = true
		st.IsLoading = false
	})
	history.Navigate(router.RouteTodos)

	out := buf.String()
	if !strings.Contains(out, "auth state transition") || !strings.Contains(out, "decision=authenticated") {
		t.Errorf("expected a transition log line, got %q", out)
	}
	if !strings.Contains(out, "navigated") || !strings.Contains(out, "path=/todos") {
		t.Errorf("expected a navigation log line, got %q", out)
	}

	// A token change alone is not a transition.
	buf.Reset()
	store.SetSession(&session.Session{AccessToken: "T2"})
	if strings.Contains(buf.String(), "auth state transition") {
		t.Errorf("unexpected transition log: %q", buf.String())
	}

	unwatch()
	store.Apply(func(st *session.State) { *st = session.LoggedOut() })
	if strings.Contains(buf.String(), "auth state transition") {
		t.Errorf("expected no logs after unwatch, got %q", buf.String())
	}
}

func TestRun_HTTPServerStartFailureReturnsError(t *testing.T) {
	iss := newTestIssuer(t)
	cfg := testConfig(iss.url, "http://127.0.0.1:1")
	cfg.Listen.HTTP = "127.0.0.1:-1" // invalid port -> ListenAndServe fails immediately

	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to fail, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}

func TestRunContext_InitializesAndStops(t *testing.T) {
	iss := newTestIssuer(t)
	cfg := testConfig(iss.url, "http://127.0.0.1:1")

	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.RunContext(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.app.Store.Snapshot().IsLoading {
		if time.Now().After(deadline) {
			t.Fatal("session initialization did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunContext returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for RunContext to return")
	}
}
