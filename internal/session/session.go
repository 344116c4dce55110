// Package session is the façade the rest of the application talks to. It
// composes the credential store, token provider, expiration monitor, and
// resilient request client into authenticate / clear / test-connection /
// refresh operations.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/prodash/erplink/internal/api"
	"github.com/prodash/erplink/internal/auth"
	"github.com/prodash/erplink/internal/credstore"
)

const defaultTestPath = "/"

// Session owns one ERP connection: its configuration, its credential
// lifecycle, and its request client.
type Session struct {
	store    *credstore.Store
	provider *auth.Provider
	monitor  *auth.Monitor
	client   *api.Client
	log      zerolog.Logger

	opts     Options
	testPath string
}

// Options tunes session construction. Zero values give defaults.
type Options struct {
	Logger          *zerolog.Logger
	MonitorInterval time.Duration
	RequestTimeout  time.Duration
	Retries         *int
	BaseDelay       time.Duration
	TestPath        string // path probed by TestConnection
}

// New composes a session on top of the given store. A configuration or token
// persisted by a previous process is picked up immediately, and the
// expiration monitor starts when a refresh token is available.
func New(store *credstore.Store, opts Options) *Session {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	provider := auth.NewProvider(store, auth.WithLogger(log))

	s := &Session{
		store:    store,
		provider: provider,
		monitor:  auth.NewMonitor(provider, opts.MonitorInterval, log),
		log:      log,
		opts:     opts,
		testPath: opts.TestPath,
	}
	if s.testPath == "" {
		s.testPath = defaultTestPath
	}

	if cfg, err := store.LoadConfig(); err == nil && cfg != nil {
		s.install(*cfg)
	}
	s.monitor.Start()
	return s
}

// Configure installs a connection profile, persists it, and invalidates any
// token acquired under a different profile.
func (s *Session) Configure(cfg auth.ClientConfig) error {
	s.install(cfg)
	return s.store.SaveConfig(cfg)
}

func (s *Session) install(cfg auth.ClientConfig) {
	s.provider.Configure(cfg)

	clientOpts := []api.ClientOption{
		api.WithTokenSource(s.provider),
		api.WithClientLogger(s.log),
	}
	if s.opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, api.WithRequestTimeout(s.opts.RequestTimeout))
	}
	if s.opts.Retries != nil {
		base := s.opts.BaseDelay
		if base <= 0 {
			base = 500 * time.Millisecond
		}
		clientOpts = append(clientOpts, api.WithRetryPolicy(*s.opts.Retries, base))
	}
	s.client = api.NewClient(cfg.BaseURL, clientOpts...)
}

// Client returns the request client for the current configuration, or nil
// when the session has never been configured.
func (s *Session) Client() *api.Client {
	return s.client
}

// Provider returns the token provider.
func (s *Session) Provider() *auth.Provider {
	return s.provider
}

// Store returns the credential store.
func (s *Session) Store() *credstore.Store {
	return s.store
}

// Monitor exposes the expiration monitor (primarily for status reporting).
func (s *Session) Monitor() *auth.Monitor {
	return s.monitor
}

// Authenticate obtains a valid token, performing a network exchange when
// needed. Error messages are display-ready.
func (s *Session) Authenticate(ctx context.Context) (*auth.TokenRecord, error) {
	rec, err := s.provider.Token(ctx)
	if err != nil {
		return nil, err
	}
	// A refresh token may have just become available.
	s.monitor.Start()
	return rec, nil
}

// ExchangeCode trades an authorization code for a token.
func (s *Session) ExchangeCode(ctx context.Context, code, redirectURI string) (*auth.TokenRecord, error) {
	rec, err := s.provider.Exchange(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	s.monitor.Start()
	return rec, nil
}

// Refresh forces a token renewal.
func (s *Session) Refresh(ctx context.Context) (*auth.TokenRecord, error) {
	return s.provider.Refresh(ctx)
}

// ClearAuth drops cached and persisted credentials and notifies all
// registered observers. Calling it on an already-cleared session is a no-op.
func (s *Session) ClearAuth() error {
	s.monitor.Stop()
	s.provider.Clear()
	return s.store.Clear()
}

// IsAuthenticated reports whether a currently valid token is held.
func (s *Session) IsAuthenticated() bool {
	return s.provider.Current().Valid(time.Now())
}

// TestConnection performs one lightweight authenticated request. It never
// returns an error: transport failures are logged and reported as false.
func (s *Session) TestConnection(ctx context.Context) bool {
	if s.client == nil {
		s.log.Warn().Msg("connection test skipped: session not configured")
		return false
	}
	if _, err := s.client.Get(ctx, s.testPath, &api.RequestOptions{Retries: api.Retries(0)}); err != nil {
		s.log.Warn().Err(err).Str("path", s.testPath).Msg("connection test failed")
		return false
	}
	return true
}

// Close tears the session down, stopping the background monitor.
func (s *Session) Close() {
	s.monitor.Stop()
}
