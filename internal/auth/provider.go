package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prodash/erplink/internal/output"
)

// defaultTimeout bounds token endpoint calls. Acquisition is not cancellable
// by individual callers: an abandoned call still completes and updates the
// shared record for the benefit of other waiters.
const defaultTimeout = 30 * time.Second

// flightKey is the single-flight key shared by acquisition, exchange, and
// refresh. One key means at most one outstanding token operation per
// provider; concurrent callers all observe the same result.
const flightKey = "token"

// Provider produces a valid TokenRecord on demand, using the cheapest
// available source: cached record, then refresh, then full acquisition.
type Provider struct {
	mu  sync.Mutex
	cfg ClientConfig
	cur *TokenRecord
	gen uint64 // bumped by Clear/Configure so stale flights are discarded

	group      singleflight.Group
	store      TokenStore
	httpClient *http.Client
	log        zerolog.Logger
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the provider logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// WithTimeout sets the token endpoint call timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a provider backed by the given store. A nil store is
// allowed; the provider then keeps tokens in memory only. Any token persisted
// by a previous process is loaded immediately.
func NewProvider(store TokenStore, opts ...Option) *Provider {
	p := &Provider{
		store:      store,
		httpClient: &http.Client{},
		log:        zerolog.New(os.Stderr).Level(zerolog.Disabled),
		timeout:    defaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if store != nil {
		if rec, err := store.LoadToken(); err == nil && rec != nil {
			p.cur = rec
		}
	}
	return p
}

// Configure installs a connection profile. A profile differing from the one
// the cached token was acquired under invalidates that token. The first
// profile installed after construction keeps any persisted token, since that
// token was acquired under the same profile.
func (p *Provider) Configure(cfg ClientConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg == p.cfg {
		return
	}
	first := p.cfg == (ClientConfig{})
	p.cfg = cfg
	if !first {
		p.invalidateLocked()
	}
}

// Current returns the cached record, valid or not, without triggering
// acquisition.
func (p *Provider) Current() *TokenRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// HasRefreshToken reports whether a refresh token is available.
func (p *Provider) HasRefreshToken() bool {
	rec := p.Current()
	return rec != nil && rec.RefreshToken != ""
}

// Token returns a valid record, using the cheapest available source: the
// cache, then a refresh, then full acquisition. Callers that arrive while an
// acquisition or refresh is in flight wait for that operation and share its
// result rather than starting a second network call.
func (p *Provider) Token(ctx context.Context) (*TokenRecord, error) {
	p.mu.Lock()
	rec, cfg, gen := p.cur, p.cfg, p.gen
	p.mu.Unlock()

	if rec.Valid(p.now()) {
		return rec, nil
	}

	var refreshTok string
	if rec != nil {
		refreshTok = rec.RefreshToken
	}

	return p.await(ctx, func() (*TokenRecord, error) {
		if refreshTok != "" && cfg.TokenEndpoint != "" {
			renewed, err := p.refreshWith(cfg, gen, refreshTok)
			if err == nil {
				return renewed, nil
			}
			p.log.Debug().Err(err).Msg("refresh failed, falling back to full acquisition")
		}
		return p.acquire(cfg, gen)
	})
}

// Exchange trades an authorization code for a token. It shares the
// single-flight key with Token and Refresh.
func (p *Provider) Exchange(ctx context.Context, code, redirectURI string) (*TokenRecord, error) {
	p.mu.Lock()
	cfg, gen := p.cfg, p.gen
	p.mu.Unlock()

	if err := requireOAuthConfig(cfg); err != nil {
		return nil, err
	}

	return p.await(ctx, func() (*TokenRecord, error) {
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", code)
		if redirectURI != "" {
			form.Set("redirect_uri", redirectURI)
		}
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
		rec, err := p.tokenRequest(cfg, form)
		if err != nil {
			return nil, err
		}
		return p.install(rec, gen), nil
	})
}

// Refresh renews the current record using its refresh token. It always
// performs a network call (subject to single-flight coalescing) and replaces
// the cached record. A refresh response without a new refresh token retains
// the previous one.
func (p *Provider) Refresh(ctx context.Context) (*TokenRecord, error) {
	p.mu.Lock()
	cur, cfg, gen := p.cur, p.cfg, p.gen
	p.mu.Unlock()

	if cur == nil || cur.RefreshToken == "" {
		return nil, output.ErrAuth("No refresh token available")
	}
	if cfg.TokenEndpoint == "" {
		return nil, output.ErrConfig("token_endpoint is not configured")
	}

	prevRefresh := cur.RefreshToken
	return p.await(ctx, func() (*TokenRecord, error) {
		return p.refreshWith(cfg, gen, prevRefresh)
	})
}

// refreshWith performs the refresh-token grant. The previous refresh token is
// retained when the server does not rotate it.
func (p *Provider) refreshWith(cfg ClientConfig, gen uint64, prevRefresh string) (*TokenRecord, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prevRefresh)
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	rec, err := p.tokenRequest(cfg, form)
	if err != nil {
		return nil, err
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = prevRefresh
	}
	return p.install(rec, gen), nil
}

// Clear drops the cached record and forgets any in-flight operation. A
// network request already sent is not cancelled, but its eventual result is
// discarded.
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = nil
	p.invalidateLocked()
}

func (p *Provider) invalidateLocked() {
	p.cur = nil
	p.gen++
	p.group.Forget(flightKey)
}

// await runs fn under the shared single-flight key. A caller whose context
// expires stops waiting, but the operation itself runs to completion so that
// other waiters still receive its result.
func (p *Provider) await(ctx context.Context, fn func() (*TokenRecord, error)) (*TokenRecord, error) {
	ch := p.group.DoChan(flightKey, func() (interface{}, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TokenRecord), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire performs a full acquisition according to the configured auth type.
func (p *Provider) acquire(cfg ClientConfig, gen uint64) (*TokenRecord, error) {
	switch cfg.AuthType {
	case TypeAPIKey:
		if cfg.APIKey == "" {
			return nil, output.ErrConfig("api_key authentication requires api_key")
		}
		// Static keys don't expire server-side; the fixed window just forces
		// a periodic re-read of configuration.
		rec := &TokenRecord{
			AccessToken: cfg.APIKey,
			TokenType:   "Bearer",
			ExpiresAt:   p.now().Add(apiKeyValidity),
		}
		return p.install(rec, gen), nil

	case TypeOAuth2:
		if err := requireOAuthConfig(cfg); err != nil {
			return nil, err
		}
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", cfg.ClientID)
		form.Set("client_secret", cfg.ClientSecret)
		if cfg.Scope != "" {
			form.Set("scope", cfg.Scope)
		}
		rec, err := p.tokenRequest(cfg, form)
		if err != nil {
			return nil, err
		}
		return p.install(rec, gen), nil

	default:
		return nil, output.ErrConfig("unsupported auth_type: " + cfg.AuthType)
	}
}

// requireOAuthConfig fails before any network call when the OAuth2 profile
// is incomplete.
func requireOAuthConfig(cfg ClientConfig) error {
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if cfg.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return output.ErrConfig("oauth2 authentication requires " + strings.Join(missing, ", "))
	}
	return nil
}

// tokenRequest posts a form to the token endpoint and parses the response
// into a new record.
func (p *Provider) tokenRequest(cfg ClientConfig, form url.Values) (*TokenRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, output.ErrConfig("invalid token_endpoint: " + cfg.TokenEndpoint)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	p.log.Debug().Str("grant_type", form.Get("grant_type")).Str("endpoint", cfg.TokenEndpoint).Msg("token request")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, output.ErrTimeout(err)
		}
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, output.ErrNetwork(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var oe oauthError
		_ = json.Unmarshal(body, &oe)
		desc := oe.ErrorDescription
		if desc == "" {
			desc = oe.Error
		}
		return nil, output.ErrAuthStatus(resp.StatusCode, desc)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, output.ErrProtocol("token endpoint returned invalid JSON")
	}
	if tr.AccessToken == "" {
		// A 200 without an access token is still a hard failure.
		return nil, output.ErrProtocol("token response missing access_token")
	}

	rec := &TokenRecord{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	if tr.ExpiresIn != nil {
		rec.ExpiresAt = p.now().Add(time.Duration(*tr.ExpiresIn) * time.Second)
	}
	return rec, nil
}

// install makes rec the current record and persists it, unless Clear or
// Configure ran while the operation was in flight, in which case the result
// is discarded.
func (p *Provider) install(rec *TokenRecord, gen uint64) *TokenRecord {
	p.mu.Lock()
	stale := p.gen != gen
	if !stale {
		p.cur = rec
	}
	p.mu.Unlock()

	if stale {
		p.log.Debug().Msg("discarding token acquired before clear")
		return rec
	}
	if p.store != nil {
		if err := p.store.SaveToken(rec); err != nil {
			p.log.Warn().Err(err).Msg("failed to persist token")
		}
	}
	return rec
}
