package idp

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// autoRefreshInterval is how often the stored session's expiry is checked.
const autoRefreshInterval = 15 * time.Second

// refreshLoop runs in a background goroutine and periodically refreshes the
// stored session before it expires. It stops when the stopRefresh channel is closed.
func (c *Client) refreshLoop() {
	for {
		select {
		case <-c.refreshTicker.C:
			c.refreshIfExpiring(time.Now())
		case <-c.stopRefresh:
			return
		}
	}
}

// refreshIfExpiring refreshes the stored session when its access token
// expires within the configured margin. Sessions without a refresh token
// or without a known expiry are left alone.
// It returns true when a refresh was attempted.
func (c *Client) refreshIfExpiring(now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := c.storage.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			slog.Warn("auto refresh: failed to load session", "error", err)
		}
		return false
	}

	if sess.RefreshToken == "" || !sess.Expired(now, c.cfg.RefreshMargin) {
		return false
	}

	slog.Debug("auto refresh: session expiring, refreshing",
		"expires_at", sess.ExpiresAt,
	)

	if _, err := c.RefreshSession(ctx); err != nil {
		slog.Warn("auto refresh failed", "error", err)
	}
	return true
}
