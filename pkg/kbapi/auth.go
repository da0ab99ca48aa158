package kbapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/user/kbdesk/internal/types"
)

// Login exchanges credentials for an access token. The service expects the
// OAuth2 password form (username, password, in that order), not JSON.
func (c *Client) Login(ctx context.Context, username, password string) (*types.Token, error) {
	body := FormBody(
		FormField{Name: "username", Value: username},
		FormField{Name: "password", Value: password},
	)
	resp, err := c.Do(ctx, http.MethodPost, "/auth/login", body, nil)
	if err != nil {
		return nil, err
	}

	var token types.Token
	if err := resp.Decode(&token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("login response missing access_token")
	}
	return &token, nil
}

// Register creates an account. It does not log the user in. The returned
// profile is nil when the service answers with an empty body.
func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (*types.User, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/auth/register", JSONBody(req), nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	var user types.User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CurrentUser fetches the profile of the token holder.
func (c *Client) CurrentUser(ctx context.Context) (*types.User, error) {
	var user types.User
	if err := c.getJSON(ctx, "/users/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateCurrentUser changes the profile name and/or password.
func (c *Client) UpdateCurrentUser(ctx context.Context, update types.UserUpdate) (*types.User, error) {
	resp, err := c.Do(ctx, http.MethodPut, "/users/me", JSONBody(update), nil)
	if err != nil {
		return nil, err
	}
	var user types.User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}
