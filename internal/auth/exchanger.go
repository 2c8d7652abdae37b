package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientIdentity is the OAuth client registration for one external service.
type ClientIdentity struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// TokenResponse is the authorization server's answer to a refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Exchanger performs the refresh-token exchange with the authorization
// server for a service.
type Exchanger interface {
	Refresh(ctx context.Context, service, refreshToken string) (*TokenResponse, error)
}

// HTTPExchanger exchanges refresh tokens against each service's token
// endpoint.
type HTTPExchanger struct {
	clients map[string]ClientIdentity
	client  *http.Client
}

// NewHTTPExchanger creates an exchanger for the given service registrations.
func NewHTTPExchanger(clients map[string]ClientIdentity) *HTTPExchanger {
	return &HTTPExchanger{
		clients: clients,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh posts a refresh grant and classifies the outcome: a 4xx rejection
// of the grant is ErrAuthRequired, anything network- or server-shaped is a
// TransientError.
func (e *HTTPExchanger) Refresh(ctx context.Context, service, refreshToken string) (*TokenResponse, error) {
	identity, ok := e.clients[service]
	if !ok {
		return nil, fmt.Errorf("no client identity for service %s: %w", service, ErrAuthRequired)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {identity.ClientID},
	}
	if identity.ClientSecret != "" {
		form.Set("client_secret", identity.ClientSecret)
	}
	if identity.Scope != "" {
		form.Set("scope", identity.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identity.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransientError{Err: fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, string(body))}
	}

	if resp.StatusCode != http.StatusOK {
		// invalid_grant and friends: the refresh token is dead.
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh rejected for %s (status %d: %s): %w",
			service, resp.StatusCode, strings.TrimSpace(string(body)), ErrAuthRequired)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access token for %s: %w", service, ErrAuthRequired)
	}

	return &tr, nil
}
