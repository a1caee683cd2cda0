package idp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/todoctl/internal/session"
)

// identityClaims are the claims used to describe the signed-in user.
type identityClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// sessionFromToken builds a session from a token endpoint response.
// The user is taken from the verified ID token when one is present, otherwise
// from the access token claims. previous supplies the user when neither
// token describes one (e.g. opaque access tokens on refresh).
func (c *Client) sessionFromToken(ctx context.Context, token *oauth2.Token, previous *session.Session) (*session.Session, error) {
	sess := &session.Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
	}

	// Verify ID token (signature, issuer, audience, expiry)
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", err)
		}

		var claims identityClaims
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse claims: %w", err)
		}

		sess.IDToken = rawIDToken
		sess.User = session.User{ID: idToken.Subject, Email: claims.Email, Name: claims.Name}
	}

	// Fill the gaps from the access token. Its signature is checked by the
	// backend, not here.
	atClaims, exp, err := accessTokenClaims(token.AccessToken)
	if err != nil {
		slog.Debug("could not decode access token as JWT (may be opaque)", "error", err)
	} else {
		if sess.User.ID == "" {
			sess.User = session.User{ID: atClaims.Subject, Email: atClaims.Email, Name: atClaims.Name}
		}
		if sess.ExpiresAt.IsZero() && !exp.IsZero() {
			sess.ExpiresAt = exp
		}
	}

	if sess.User.ID == "" && previous != nil {
		sess.User = previous.User
	}

	if sess.RefreshToken == "" && previous != nil {
		sess.RefreshToken = previous.RefreshToken
	}

	return sess, nil
}

// accessTokenClaims reads identity claims and the expiry from a JWT access
// token without verifying its signature.
func accessTokenClaims(accessToken string) (identityClaims, time.Time, error) {
	var out identityClaims
	if accessToken == "" {
		return out, time.Time{}, fmt.Errorf("empty access token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return out, time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	out.Subject, _ = claims.GetSubject()
	out.Email, _ = claims["email"].(string)
	out.Name, _ = claims["name"].(string)

	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}

	return out, expiry, nil
}
