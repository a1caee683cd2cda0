package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/daemon"
	"github.com/al-bashkir/todoctl/internal/router"
	"github.com/al-bashkir/todoctl/internal/todo"
)

// Build metadata, stamped with -ldflags -X.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Persistent flags shared by every command.
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Process exit codes. 2 is left to cobra usage errors.
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitConfig      = 3
	ExitNotLoggedIn = 4
)

// Output streams, replaced in tests
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
)

var rootCmd = &cobra.Command{
	Use:   "todoctl",
	Short: "To-do list client",
	Long: `Command-line and local web client for the to-do service.

Sign in once with your e-mail and password; the session is stored locally
and access tokens are refreshed automatically. Manage your to-dos from the
terminal or run "todoctl serve" for the web UI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local web UI",
	Long: `Start the local web UI.

The server restores the stored session, shows a loading page until that
finishes, and serves the login form and the to-do list.`,
	RunE: runServe,
}

// overrideExitCode lets a command report a non-zero status without
// returning an error. main exits with it after cobra returns, once deferred
// cleanup has run. -1 leaves the status to exitCodeFor.
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load the config file and report problems",
	Long: `Load and validate the configuration file without contacting any service.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile(),
		"Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log.level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log.format: json or text")

	rootCmd.AddCommand(serveCmd, versionCmd, checkConfigCmd)
	addSessionCommands(rootCmd)
	addTodoCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return ExitConfig
	case errors.Is(err, router.ErrUnauthenticated), todo.IsUnauthorized(err):
		return ExitNotLoggedIn
	default:
		return ExitError
	}
}

// errConfig marks configuration failures.
var errConfig = errors.New("configuration error")

func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "todoctl.yaml"
	}
	return filepath.Join(dir, "todoctl", "config.yaml")
}

// loadConfig loads the configuration and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// withApp builds the application, restores the stored session and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, app *daemon.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// One-shot commands refresh on demand only
	cfg.OIDC.AutoRefresh = false

	app, err := daemon.NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Auth.Initialize(ctx)
	return fn(ctx, app)
}

// requireLogin fails with router.ErrUnauthenticated when there is no session.
func requireLogin(app *daemon.App) error {
	if err := router.Require(app.Store.Snapshot()); err != nil {
		return fmt.Errorf("%w: run \"todoctl login\" first", err)
	}
	return nil
}

// runServe starts the web UI
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting todoctl",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

func runVersion(_ *cobra.Command, _ []string) {
	_, _ = fmt.Fprintf(stdout, "todoctl version %s\n", version)
	_, _ = fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
	_, _ = fmt.Fprintf(stdout, "  Build date: %s\n", buildDate)
	_, _ = fmt.Fprintf(stdout, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig prints the redacted config, or the first validation error
// with exit code 3.
func runCheckConfig(_ *cobra.Command, _ []string) error {
	_, _ = fmt.Fprintf(stdout, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s Configuration validation failed:\n", failMark)
		_, _ = fmt.Fprintf(stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	cfg = cfg.Redact()

	_, _ = fmt.Fprintf(stdout, "%s Configuration is valid\n\n", okMark)
	_, _ = fmt.Fprintln(stdout, "Configuration summary:")
	_, _ = fmt.Fprintf(stdout, "  Stage:           %s\n", cfg.Stage)
	_, _ = fmt.Fprintf(stdout, "  API URL:         %s\n", cfg.APIBaseURL())
	_, _ = fmt.Fprintf(stdout, "  OIDC Issuer:     %s\n", cfg.OIDC.Issuer)
	_, _ = fmt.Fprintf(stdout, "  Client ID:       %s\n", cfg.OIDC.ClientID)
	_, _ = fmt.Fprintf(stdout, "  Scopes:          %v\n", cfg.OIDC.Scopes)
	_, _ = fmt.Fprintf(stdout, "  Auto refresh:    %v\n", cfg.OIDC.AutoRefresh)
	_, _ = fmt.Fprintf(stdout, "  Session storage: %s\n", cfg.Session.Storage)
	_, _ = fmt.Fprintf(stdout, "  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	_, _ = fmt.Fprintf(stdout, "  Log Level:       %s\n", cfg.Log.Level)
	_, _ = fmt.Fprintf(stdout, "  Log Format:      %s\n", cfg.Log.Format)

	if cfg.OIDC.ClientSecret != "" {
		_, _ = fmt.Fprintf(stdout, "\n  Client Secret:   %s\n", cfg.OIDC.ClientSecret)
	} else {
		_, _ = fmt.Fprintln(stdout, "\n  Client Secret:   [NOT SET] (public client)")
	}

	return nil
}
