package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var errNoRefreshToken = errors.New("no refresh token stored")

// Token is a user access/refresh token pair issued by Twitch.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// User is the subset of a Helix user object the service keeps.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// AuthCodeURL builds the Twitch authorize URL for the login handshake.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Token, error) {
	if code == "" {
		return Token{}, errors.New("authorization code empty")
	}
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return Token{}, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return fromOAuth2(tok), nil
}

// Refresh runs the refresh-token grant. It does not persist anything; see RefreshTenant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errNoRefreshToken
	}
	// an empty access token is never Valid, so the source always hits the token endpoint
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return fromOAuth2(tok), nil
}

// GetAuthenticatedUser returns the user owning accessToken.
func (c *Client) GetAuthenticatedUser(ctx context.Context, accessToken string) (User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.attempt(ctx, accessToken, "users", nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, errors.New("helix users: empty response for token owner")
	}
	return body.Data[0], nil
}

func fromOAuth2(tok *oauth2.Token) Token {
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scopeString(tok.Extra("scope")),
	}
}

// Twitch returns scope as a JSON array; other providers use a space separated string.
func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
