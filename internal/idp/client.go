package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/logsanitize"
	"github.com/al-bashkir/todoctl/internal/session"
)

// Client wraps the OIDC provider and OAuth2 configuration and keeps the
// current session in a Storage. It implements Provider.
type Client struct {
	cfg           *config.OIDCConfig
	oidcProvider  *oidc.Provider
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	storage       Storage

	mu          sync.Mutex
	subscribers map[string]ChangeFunc

	refreshTicker *time.Ticker
	stopRefresh   chan struct{}
	closeOnce     sync.Once
}

var _ Provider = (*Client)(nil)

// discoveryClaims are the non-standard discovery fields go-oidc does not expose directly.
type discoveryClaims struct {
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// NewClient creates a new identity provider client using the specified configuration.
// It performs OIDC discovery via /.well-known/openid-configuration, sets up the
// OAuth2 configuration and ID token verifier, and starts the auto-refresh loop
// when enabled.
func NewClient(ctx context.Context, cfg *config.OIDCConfig, storage Storage) (*Client, error) {
	// Discover OIDC configuration from issuer
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var extra discoveryClaims
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}

	// Create OAuth2 config
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// Create ID token verifier
	// This will verify the token signature, issuer, audience, and expiry
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	c := &Client{
		cfg:           cfg,
		oidcProvider:  provider,
		oauth2Config:  oauth2Config,
		verifier:      verifier,
		revocationURL: extra.RevocationEndpoint,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		storage:       storage,
		subscribers:   make(map[string]ChangeFunc),
		stopRefresh:   make(chan struct{}),
	}

	if cfg.AutoRefresh {
		c.refreshTicker = time.NewTicker(autoRefreshInterval)
		go c.refreshLoop()
	}

	return c, nil
}

// Close stops the auto-refresh loop. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.refreshTicker != nil {
			c.refreshTicker.Stop()
		}
		close(c.stopRefresh)
	})
}

// GetSession returns the stored session, or nil when nobody is signed in.
func (c *Client) GetSession(ctx context.Context) (*session.Session, error) {
	sess, err := c.storage.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// OnSessionChange registers fn for session changes.
func (c *Client) OnSessionChange(fn ChangeFunc) Subscription {
	id := uuid.NewString()

	c.mu.Lock()
	c.subscribers[id] = fn
	c.mu.Unlock()

	return &subscription{client: c, id: id}
}

// SignInWithPassword performs the resource owner password credentials grant.
func (c *Client) SignInWithPassword(ctx context.Context, creds Credentials) (*session.Session, error) {
	if creds.Email == "" || creds.Password == "" {
		return nil, &AuthError{
			Code:    "invalid_request",
			Message: "Email and password are required",
			err:     ErrInvalidCredentials,
		}
	}

	token, err := c.oauth2Config.PasswordCredentialsToken(c.withHTTPClient(ctx), creds.Email, creds.Password)
	if err != nil {
		return nil, tokenError(err)
	}

	sess, err := c.sessionFromToken(ctx, token, nil)
	if err != nil {
		return nil, err
	}
	if sess.User.Email == "" {
		sess.User.Email = creds.Email
	}

	if err := c.storage.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	slog.Info("signed in",
		"user_id", logsanitize.Sanitize(sess.User.ID),
		"expires_at", sess.ExpiresAt,
	)

	c.emit(EventSignedIn, sess)
	return sess.Clone(), nil
}

// SignOut revokes the refresh token when the provider advertises a
// revocation endpoint and then clears the stored session. A revocation
// failure leaves the stored session untouched.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return err
	}

	if sess != nil && sess.RefreshToken != "" && c.revocationURL != "" {
		if err := c.revoke(ctx, sess.RefreshToken); err != nil {
			return err
		}
	}

	if err := c.storage.Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	slog.Info("signed out")

	c.emit(EventSignedOut, nil)
	return nil
}

// RefreshSession exchanges the stored refresh token for a new session,
// persists it and notifies subscribers. A refresh token rejected with
// invalid_grant removes the stored session and emits SIGNED_OUT.
func (c *Client) RefreshSession(ctx context.Context) (*session.Session, error) {
	current, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	// An empty access token forces the token source to use the refresh grant
	ts := c.oauth2Config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
	})
	token, err := ts.Token()
	if err != nil {
		err = tokenError(err)
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Code == "invalid_grant" {
			c.dropSession(ctx)
		}
		return nil, err
	}

	sess, err := c.sessionFromToken(ctx, token, current)
	if err != nil {
		return nil, err
	}

	if err := c.storage.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	slog.Debug("session refreshed",
		"token", logsanitize.Token(sess.AccessToken),
		"expires_at", sess.ExpiresAt,
	)

	c.emit(EventTokenRefreshed, sess)
	return sess.Clone(), nil
}

// dropSession forgets a session whose refresh token the provider no longer
// accepts, so later lookups and restarts see a signed-out user.
func (c *Client) dropSession(ctx context.Context) {
	if err := c.storage.Delete(ctx); err != nil {
		slog.Warn("failed to remove rejected session", "error", err)
	}
	slog.Info("refresh token rejected, session removed")
	c.emit(EventSignedOut, nil)
}

// SetSession stores the given tokens as the current session. Subscribers
// are notified only when the access token actually changed.
func (c *Client) SetSession(ctx context.Context, tokens Tokens) (*session.Session, error) {
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	current, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
	}
	sess, err := c.sessionFromToken(ctx, token, current)
	if err != nil {
		return nil, err
	}
	if current != nil && current.IDToken != "" && sess.IDToken == "" {
		sess.IDToken = current.IDToken
	}
	if current != nil && current.AccessToken == sess.AccessToken && sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = current.ExpiresAt
	}

	if err := c.storage.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if current == nil || current.AccessToken != sess.AccessToken {
		c.emit(EventTokenRefreshed, sess)
	}
	return sess.Clone(), nil
}

// revoke calls the RFC 7009 revocation endpoint for a refresh token.
func (c *Client) revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {c.cfg.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to revoke session: provider returned %s", resp.Status)
	}
	return nil
}

// emit delivers a session change to every subscriber, outside the lock.
func (c *Client) emit(event EventType, sess *session.Session) {
	c.mu.Lock()
	subs := make([]ChangeFunc, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	slog.Debug("session change", "event", string(event), "subscribers", len(subs))

	for _, fn := range subs {
		fn(event, sess.Clone())
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokenError converts a token endpoint failure into an AuthError when the
// provider returned a structured OAuth2 error.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("token request failed: %w", err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	authErr := &AuthError{
		Code:       re.ErrorCode,
		Message:    re.ErrorDescription,
		StatusCode: status,
		err:        re,
	}
	if authErr.Message == "" {
		authErr.Message = "Authentication failed"
	}
	if re.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized {
		authErr.err = errors.Join(ErrInvalidCredentials, re)
		if re.ErrorDescription == "" {
			authErr.Message = "Invalid login credentials"
		}
	}
	return authErr
}

type subscription struct {
	client *Client
	id     string
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subscribers, s.id)
		s.client.mu.Unlock()
	})
}
