package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/todoctl/internal/daemon"
	"github.com/al-bashkir/todoctl/internal/idp"
	"github.com/al-bashkir/todoctl/internal/router"
)

var (
	loginEmail         string
	loginPasswordStdin bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with e-mail and password",
	Long: `Sign in and store the session locally.

Missing values are prompted for interactively. Use --password-stdin to
pipe the password in from a secret store.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the stored session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who is signed in",
	Long: `Show the signed-in user and token expiry.

Exit codes:
  0 = Signed in
  4 = Not signed in`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func addSessionCommands(root *cobra.Command) {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "E-mail address")
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")

	root.AddCommand(loginCmd)
	root.AddCommand(logoutCmd)
	root.AddCommand(statusCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	creds := idp.Credentials{Email: loginEmail}
	if loginPasswordStdin {
		pw, err := readPassword(stdin)
		if err != nil {
			return err
		}
		creds.Password = pw
	}
	if err := promptCredentials(&creds); err != nil {
		return err
	}

	return withApp(commandContext(cmd), func(ctx context.Context, app *daemon.App) error {
		if err := app.Auth.LogIn(ctx, creds); err != nil {
			return err
		}
		st := app.Store.Snapshot()
		_, _ = fmt.Fprintf(stdout, "%s Signed in as %s\n", okMark, st.Session.User.Email)
		return nil
	})
}

func runLogout(cmd *cobra.Command, _ []string) error {
	return withApp(commandContext(cmd), func(ctx context.Context, app *daemon.App) error {
		if router.Decide(app.Store.Snapshot()) != router.Authenticated {
			_, _ = fmt.Fprintln(stdout, "Not signed in")
			return nil
		}
		if err := app.Auth.LogOut(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s Signed out\n", okMark)
		return nil
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withApp(commandContext(cmd), func(_ context.Context, app *daemon.App) error {
		st := app.Store.Snapshot()
		if router.Decide(st) != router.Authenticated {
			_, _ = fmt.Fprintln(stdout, "Not signed in")
			overrideExitCode = ExitNotLoggedIn
			return nil
		}

		user := st.Session.User
		_, _ = fmt.Fprintf(stdout, "%s Signed in\n", okMark)
		_, _ = fmt.Fprintf(stdout, "  E-mail:  %s\n", user.Email)
		if user.Name != "" {
			_, _ = fmt.Fprintf(stdout, "  Name:    %s\n", user.Name)
		}
		_, _ = fmt.Fprintf(stdout, "  User ID: %s\n", user.ID)

		switch exp := st.Session.ExpiresAt; {
		case exp.IsZero():
			_, _ = fmt.Fprintln(stdout, "  Token:   no expiry")
		case st.Session.Expired(time.Now(), 0):
			_, _ = fmt.Fprintf(stdout, "  Token:   expired %s (refreshed on next request)\n", exp.Local().Format(time.RFC1123))
		default:
			_, _ = fmt.Fprintf(stdout, "  Token:   valid until %s\n", exp.Local().Format(time.RFC1123))
		}
		return nil
	})
}

// commandContext returns the command's context, or Background for direct
// calls from tests.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
