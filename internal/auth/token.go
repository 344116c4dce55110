// Package auth obtains, caches, and renews credentials for the ERP API.
package auth

import (
	"time"
)

// Auth types accepted in ClientConfig.AuthType.
const (
	TypeOAuth2 = "oauth2"
	TypeAPIKey = "api_key"
)

// apiKeyValidity is the fixed validity window for records synthesized from a
// static API key.
const apiKeyValidity = 24 * time.Hour

// ClientConfig holds the connection profile for one ERP endpoint. It is a
// value type: a session replaces it wholesale, never mutates it in place.
type ClientConfig struct {
	BaseURL       string `json:"base_url"`
	AuthType      string `json:"auth_type"` // "oauth2" or "api_key"
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// TokenRecord is the current credential bundle. Records are immutable once
// created; renewal replaces the whole record.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // zero value means non-expiring
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// Valid reports whether the record is usable at the given instant. A record
// without an expiry never expires.
func (r *TokenRecord) Valid(now time.Time) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

// AuthorizationValue returns the value for the Authorization header.
func (r *TokenRecord) AuthorizationValue() string {
	typ := r.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + r.AccessToken
}

// TokenStore is the persistence surface the provider needs. The credstore
// package provides the durable implementation.
type TokenStore interface {
	SaveToken(rec *TokenRecord) error
	LoadToken() (*TokenRecord, error)
}

// tokenResponse is the wire shape of a token endpoint response.
// ExpiresIn is a pointer so a present-but-zero value (already expired) can be
// told apart from an absent one (non-expiring).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int64 `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// oauthError is the wire shape of a token endpoint error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
