package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/todoctl/internal/config"
)

// fakeAuth serves as both TokenSource and Refresher.
type fakeAuth struct {
	mu          sync.Mutex
	token       string
	next        string
	refreshErr  error
	refreshes   atomic.Int32
	forceLogout atomic.Int32
}

func (a *fakeAuth) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) Refresh(ctx context.Context) (string, error) {
	a.refreshes.Add(1)
	if !Retried(ctx) {
		return "", errors.New("refresh called without retry marker")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refreshErr != nil {
		return "", a.refreshErr
	}
	a.token = a.next
	return a.next, nil
}

func (a *fakeAuth) ForceLogout() {
	a.forceLogout.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

// backend accepts only the listed bearer tokens and records what it saw.
type backend struct {
	mu      sync.Mutex
	valid   map[string]bool
	auths   []string
	bodies  []string
	ids     []string
	calls   atomic.Int32
	headers []http.Header
}

func newBackend(valid ...string) *backend {
	b := &backend{valid: map[string]bool{}}
	for _, v := range valid {
		b.valid[v] = true
	}
	return b
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.calls.Add(1)
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	auth := r.Header.Get("Authorization")
	b.auths = append(b.auths, auth)
	b.bodies = append(b.bodies, string(body))
	b.ids = append(b.ids, r.Header.Get(RequestIDHeader))
	b.headers = append(b.headers, r.Header.Clone())
	ok := b.valid[strings.TrimPrefix(auth, "Bearer ")]
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"jwt expired"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func newTestClient(t *testing.T, auth *fakeAuth, b *backend) (*http.Client, string) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return NewClient(5*time.Second, NewTransport(nil, auth, auth, nil)), srv.URL
}

func TestTransport_AttachesBearer(t *testing.T) {
	auth := &fakeAuth{token: "T1"}
	b := newBackend("T1")
	client, url := newTestClient(t, auth, b)

	resp, err := client.Get(url + "/todos")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"Bearer T1"}, b.auths)
	require.NotEmpty(t, b.ids[0])
	require.Equal(t, "application/json", b.headers[0].Get("Content-Type"))
	require.Zero(t, auth.refreshes.Load())
}

func TestTransport_NoTokenProceedsUnauthenticated(t *testing.T) {
	auth := &fakeAuth{refreshErr: errors.New("no refresh token")}
	b := newBackend()
	client, url := newTestClient(t, auth, b)

	resp, err := client.Get(url + "/todos")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "", b.auths[0])
}

func TestTransport_RefreshAndRetry(t *testing.T) {
	auth := &fakeAuth{token: "T1", next: "T2"}
	b := newBackend("T2")
	client, url := newTestClient(t, auth, b)

	req, err := http.NewRequest(http.MethodPost, url+"/todos", strings.NewReader(`{"title":"milk"}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, auth.refreshes.Load())
	require.EqualValues(t, 2, b.calls.Load())
	require.Equal(t, []string{"Bearer T1", "Bearer T2"}, b.auths)
	require.Equal(t, []string{`{"title":"milk"}`, `{"title":"milk"}`}, b.bodies)
	require.Equal(t, b.ids[0], b.ids[1], "retry keeps the request id")
	require.Zero(t, auth.forceLogout.Load())

	// A later request gets its own retry budget
	auth.mu.Lock()
	auth.next = "T3"
	auth.mu.Unlock()
	b.mu.Lock()
	b.valid = map[string]bool{"T3": true}
	b.mu.Unlock()

	resp2, err := client.Get(url + "/todos")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.EqualValues(t, 2, auth.refreshes.Load())
}

func TestTransport_RetriesAtMostOnce(t *testing.T) {
	auth := &fakeAuth{token: "T1", next: "T2"}
	b := newBackend()
	client, url := newTestClient(t, auth, b)

	resp, err := client.Get(url + "/todos")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, auth.refreshes.Load())
	require.EqualValues(t, 2, b.calls.Load())
	require.Zero(t, auth.forceLogout.Load())
}

func TestTransport_RefreshFailureForcesLogout(t *testing.T) {
	auth := &fakeAuth{token: "T1", refreshErr: errors.New("no session")}
	b := newBackend()
	client, url := newTestClient(t, auth, b)

	resp, err := client.Get(url + "/todos")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"jwt expired"}`, string(body))

	require.EqualValues(t, 1, auth.refreshes.Load())
	require.EqualValues(t, 1, b.calls.Load())
	require.EqualValues(t, 1, auth.forceLogout.Load())
	require.Empty(t, auth.AccessToken())
}

func TestTransport_BodyReplayFailureKeepsSession(t *testing.T) {
	auth := &fakeAuth{token: "T1", next: "T2"}
	b := newBackend("T2")
	_, url := newTestClient(t, auth, b)

	req, err := http.NewRequest(http.MethodPost, url+"/todos", strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	req.GetBody = func() (io.ReadCloser, error) {
		return nil, errors.New("body gone")
	}

	resp, err := NewTransport(nil, auth, auth, nil).RoundTrip(req)
	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "body gone")

	require.EqualValues(t, 1, auth.refreshes.Load())
	require.Zero(t, auth.forceLogout.Load())
	require.Equal(t, "T2", auth.AccessToken())
}

func TestTransport_NonUnauthorizedPassesThrough(t *testing.T) {
	auth := &fakeAuth{token: "T1"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	client := NewClient(5*time.Second, NewTransport(nil, auth, auth, nil))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, auth.refreshes.Load())
}

func TestTransport_MarkedRequestIsNotRetried(t *testing.T) {
	auth := &fakeAuth{token: "T1", next: "T2"}
	b := newBackend("T2")
	client, url := newTestClient(t, auth, b)

	req, err := http.NewRequestWithContext(withRetried(context.Background()), http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, auth.refreshes.Load())
}

func TestTransport_DoesNotModifyCallerRequest(t *testing.T) {
	auth := &fakeAuth{token: "T1"}
	b := newBackend("T1")
	client, url := newTestClient(t, auth, b)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Empty(t, req.Header.Get("Authorization"))
	require.Empty(t, req.Header.Get(RequestIDHeader))
}

func TestTransport_RateLimitHonorsContext(t *testing.T) {
	auth := &fakeAuth{token: "T1"}
	limiter := NewLimiter(&config.APIConfig{RateLimit: 0.001, Burst: 1})
	require.NotNil(t, limiter)
	tr := NewTransport(http.DefaultTransport, auth, auth, limiter)

	b := newBackend("T1")
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	client := NewClient(5*time.Second, tr)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	require.EqualValues(t, 1, b.calls.Load())
}

func TestNewLimiter(t *testing.T) {
	require.Nil(t, NewLimiter(&config.APIConfig{RateLimit: 0}))

	l := NewLimiter(&config.APIConfig{RateLimit: 5, Burst: 0})
	require.NotNil(t, l)
	require.Equal(t, 1, l.Burst())
}
