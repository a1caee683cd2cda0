// Package daemon wires the components of todoctl together and runs the
// local web UI.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/al-bashkir/todoctl/internal/api"
	"github.com/al-bashkir/todoctl/internal/auth"
	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/httpserver"
	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/logsanitize"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/session"
	"github.com/al-bashkir/todoctl/internal/todo"
)

// discoveryTimeout bounds identity provider discovery at startup.
const discoveryTimeout = 30 * time.Second

// App holds the components shared by the web UI and the one-shot CLI
// commands.
type App struct {
	Config   *config.Config
	Provider *idp.Client
	Store    *session.Store
	History  *router.History
	Auth     *auth.Coordinator
	Todos    *todo.Client

	storage idp.Storage
	unwatch func()
}

// NewApp builds the session storage, identity provider client, auth state,
// coordinator and authenticated to-do client. The coordinator is not
// initialized; call App.Auth.Initialize before use.
func NewApp(cfg *config.Config) (*App, error) {
	storage, err := idp.NewStorage(&cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	provider, err := idp.NewClient(ctx, &cfg.OIDC, storage)
	if err != nil {
		closeStorage(storage)
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	slog.Info("identity provider initialized",
		"issuer", cfg.OIDC.Issuer,
		"client_id", cfg.OIDC.ClientID,
		"storage", cfg.Session.Storage,
	)

	store := session.NewStore()
	history := router.NewHistory(router.RouteLogin)
	coordinator := auth.NewCoordinator(provider, store, history)
	unwatch := watchState(store, history)

	transport := api.NewTransport(http.DefaultTransport, coordinator, coordinator, api.NewLimiter(&cfg.API))
	todos := todo.NewClient(cfg.APIBaseURL(), api.NewClient(cfg.API.Timeout, transport))

	slog.Info("backend client initialized",
		"stage", cfg.Stage,
		"url", cfg.APIBaseURL(),
	)

	return &App{
		Config:   cfg,
		Provider: provider,
		Store:    store,
		History:  history,
		Auth:     coordinator,
		Todos:    todos,
		storage:  storage,
		unwatch:  unwatch,
	}, nil
}

// Close stops the coordinator and the provider client and releases the
// session storage.
func (a *App) Close() {
	a.unwatch()
	a.Auth.Close()
	a.Provider.Close()
	closeStorage(a.storage)
}

// watchState logs auth state transitions and navigations at debug level.
// The returned func stops the state subscription.
func watchState(store *session.Store, history *router.History) func() {
	history.OnNavigate(func(path string) {
		slog.Debug("navigated", "path", path)
	})

	var mu sync.Mutex
	prev := store.Snapshot()
	return store.Subscribe(func(st session.State) {
		mu.Lock()
		defer mu.Unlock()
		if st.IsLoggedIn == prev.IsLoggedIn && st.IsLoading == prev.IsLoading && st.Error == prev.Error {
			return
		}
		slog.Debug("auth state transition",
			"decision", router.Decide(st).String(),
			"logged_in", st.IsLoggedIn,
			"loading", st.IsLoading,
			"error", logsanitize.Sanitize(st.Error),
		)
		prev = st
	})
}

func closeStorage(s idp.Storage) {
	if c, ok := s.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Error("error closing session storage", "error", err)
		}
	}
}

// Daemon serves the web UI on top of an App.
type Daemon struct {
	app        *App
	httpServer *httpserver.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	app, err := NewApp(cfg)
	if err != nil {
		return nil, err
	}

	httpServer, err := httpserver.NewServer(cfg, httpserver.Deps{
		Auth:    app.Auth,
		Store:   app.Store,
		Todos:   app.Todos,
		Locator: app.History,
		Version: version,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized", "listen", cfg.Listen.HTTP)

	return &Daemon{app: app, httpServer: httpServer}, nil
}

// Run serves until SIGINT or SIGTERM is received.
func (d *Daemon) Run() error {
	return d.RunContext(context.Background())
}

// RunContext serves until a shutdown signal is received or ctx is done.
func (d *Daemon) RunContext(ctx context.Context) error {
	slog.Info("starting todoctl web UI")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Pages render a loading placeholder until the session lookup finishes
	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		d.app.Auth.Initialize(ctx)
		st := d.app.Store.Snapshot()
		slog.Info("session restored", "logged_in", st.IsLoggedIn)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	select {
	case <-initDone:
	case <-shutdownCtx.Done():
		slog.Warn("session initialization did not finish before shutdown")
	}

	d.app.Close()

	if runErr == nil {
		slog.Info("daemon shutdown complete")
	}
	return runErr
}
