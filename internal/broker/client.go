package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is the credential set returned by the brokerage after a
// code exchange or renewal.
type TokenPair struct {
	AccessToken    string
	RefreshToken   string
	TokenType      string
	ExpiresIn      int64 // seconds; 0 means the brokerage omitted it
	BrokerUserID   string
	BrokerUserType string
}

// BrokerageClient is the capability boundary to the external brokerage.
// Implementations must bound every call with the context deadline.
type BrokerageClient interface {
	// ExchangeCode trades a single-use authorization code for tokens.
	ExchangeCode(ctx context.Context, apiKey, apiSecret, code string) (*TokenPair, error)
	// Renew obtains a fresh token pair from a refresh token.
	Renew(ctx context.Context, apiKey, apiSecret, refreshToken string) (*TokenPair, error)
	// Revoke asks the brokerage to invalidate the session. Advisory
	// only; callers may ignore the error.
	Revoke(ctx context.Context, apiKey, apiSecret, accessToken string) error
}

// HTTPBrokerageClient speaks the brokerage's OAuth2 token endpoints.
type HTTPBrokerageClient struct {
	tokenURL    string
	revokeURL   string
	callTimeout time.Duration
	httpClient  *http.Client
}

func NewHTTPBrokerageClient(tokenURL, revokeURL string, callTimeout time.Duration) *HTTPBrokerageClient {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &HTTPBrokerageClient{
		tokenURL:    tokenURL,
		revokeURL:   revokeURL,
		callTimeout: callTimeout,
		httpClient:  &http.Client{Timeout: callTimeout},
	}
}

func (c *HTTPBrokerageClient) oauthConfig(apiKey, apiSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     apiKey,
		ClientSecret: apiSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (c *HTTPBrokerageClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.callTimeout)
}

func toTokenPair(token *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		pair.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	if v, ok := token.Extra("broker_user_id").(string); ok {
		pair.BrokerUserID = v
	}
	if v, ok := token.Extra("broker_user_type").(string); ok {
		pair.BrokerUserType = v
	}
	return pair
}

func (c *HTTPBrokerageClient) ExchangeCode(ctx context.Context, apiKey, apiSecret, code string) (*TokenPair, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	token, err := c.oauthConfig(apiKey, apiSecret).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return toTokenPair(token), nil
}

func (c *HTTPBrokerageClient) Renew(ctx context.Context, apiKey, apiSecret, refreshToken string) (*TokenPair, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	src := c.oauthConfig(apiKey, apiSecret).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("renew tokens: %w", err)
	}
	pair := toTokenPair(token)
	if pair.RefreshToken == "" {
		// some brokerages keep the refresh token on renewal
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func (c *HTTPBrokerageClient) Revoke(ctx context.Context, apiKey, apiSecret, accessToken string) error {
	if c.revokeURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(apiKey, apiSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke session: unexpected status %d", resp.StatusCode)
	}
	return nil
}
