package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodash/erplink/internal/output"
)

// fakeStore is an in-memory TokenStore recording saves.
type fakeStore struct {
	mu    sync.Mutex
	rec   *TokenRecord
	saves int
}

func (s *fakeStore) SaveToken(rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.saves++
	return nil
}

func (s *fakeStore) LoadToken() (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// tokenServer is a fake token endpoint counting requests.
type tokenServer struct {
	*httptest.Server
	requests atomic.Int64
	grants   sync.Map // grant_type -> last form values
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *tokenServer {
	t.Helper()
	ts := &tokenServer{respond: respond}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		ts.requests.Add(1)
		ts.grants.Store(r.PostForm.Get("grant_type"), r.PostForm)
		ts.respond(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeToken(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func oauthConfig(endpoint string) ClientConfig {
	return ClientConfig{
		BaseURL:       "https://erp.example.com",
		AuthType:      TypeOAuth2,
		ClientID:      "dashboard",
		ClientSecret:  "s3cret",
		TokenEndpoint: endpoint,
	}
}

func TestTokenClientCredentials(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "erp.read",
		})
	})

	store := &fakeStore{}
	p := NewProvider(store)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.AccessToken)
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.Equal(t, "erp.read", rec.Scope)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, 5*time.Second)

	// Persisted through the store.
	assert.Equal(t, 1, store.saveCount())

	form, ok := srv.grants.Load("client_credentials")
	require.True(t, ok, "expected a client_credentials grant")
	assert.Equal(t, "dashboard", form.(url.Values).Get("client_id"))
}

func TestTokenCachedRecordSkipsNetwork(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	first, err := p.Token(context.Background())
	require.NoError(t, err)

	second, err := p.Token(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), srv.requests.Load())
}

func TestTokenSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-gate
		writeToken(w, map[string]any{"access_token": "tok-shared", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	const n = 10
	var wg sync.WaitGroup
	records := make([]*TokenRecord, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = p.Token(context.Background())
		}(i)
	}

	// Let all callers pile up on the in-flight acquisition, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), srv.requests.Load(), "concurrent callers must share one acquisition")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, records[0], records[i], "all callers observe the same record")
	}
}

func TestTokenSingleFlightSharesError(t *testing.T) {
	gate := make(chan struct{})
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-gate
		w.WriteHeader(http.StatusUnauthorized)
		writeToken(w, map[string]any{"error": "invalid_client", "error_description": "unknown client"})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Token(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), srv.requests.Load())
	for i := 0; i < n; i++ {
		require.Error(t, errs[i])
		assert.Equal(t, errs[0], errs[i], "all callers observe the same error")
	}
}

func TestTokenAPIKeyColdStart(t *testing.T) {
	store := &fakeStore{}
	p := NewProvider(store)
	p.Configure(ClientConfig{
		BaseURL:  "https://erp.example.com",
		AuthType: TypeAPIKey,
		APIKey:   "ABC",
	})

	rec, err := p.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ABC", rec.AccessToken)
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), rec.ExpiresAt, 5*time.Second)
	assert.Equal(t, 1, store.saveCount())
}

func TestTokenMissingConfig(t *testing.T) {
	p := NewProvider(nil)
	p.Configure(ClientConfig{AuthType: TypeOAuth2, ClientID: "only-id"})

	_, err := p.Token(context.Background())
	require.Error(t, err)

	var oe *output.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, output.CodeConfig, oe.Code)
	assert.Contains(t, oe.Message, "client_secret")
	assert.Contains(t, oe.Message, "token_endpoint")
}

func TestTokenAPIKeyMissingKey(t *testing.T) {
	p := NewProvider(nil)
	p.Configure(ClientConfig{AuthType: TypeAPIKey})

	_, err := p.Token(context.Background())
	var oe *output.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, output.CodeConfig, oe.Code)
}

func TestTokenResponseMissingAccessToken(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"token_type": "Bearer", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	_, err := p.Token(context.Background())
	var oe *output.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, output.CodeProtocol, oe.Code)
}

func TestTokenExpiresInZeroIsAlreadyExpired(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok", "expires_in": 0})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Valid(time.Now()))

	// The next call cannot use the cache.
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.requests.Load())
}

func TestTokenAbsentExpiresInNeverExpires(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok"})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.ExpiresAt.IsZero())
	assert.True(t, rec.Valid(time.Now().Add(1000*time.Hour)))
}

func TestTokenAuthErrorDescription(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeToken(w, map[string]any{"error": "invalid_grant", "error_description": "authorization code expired"})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	_, err := p.Token(context.Background())
	var oe *output.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, output.CodeAuth, oe.Code)
	assert.Equal(t, 400, oe.HTTPStatus)
	assert.Equal(t, "authorization code expired", oe.Message)
}

func TestTokenFailureAllowsRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeToken(w, map[string]any{"access_token": "tok", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	_, err := p.Token(context.Background())
	require.Error(t, err)

	// The in-flight marker is cleared; a later call may succeed.
	fail.Store(false)
	rec, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", rec.AccessToken)
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{
			"access_token":  "tok-code",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Exchange(context.Background(), "the-code", "https://app.example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "tok-code", rec.AccessToken)
	assert.Equal(t, "refresh-1", rec.RefreshToken)

	form, ok := srv.grants.Load("authorization_code")
	require.True(t, ok)
	values := form.(url.Values)
	assert.Equal(t, "the-code", values.Get("code"))
	assert.Equal(t, "https://app.example.com/callback", values.Get("redirect_uri"))
}

func TestRefreshReplacesRecord(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{
			"access_token":  "tok-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	})

	store := &fakeStore{rec: &TokenRecord{
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	p := NewProvider(store)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Refresh(context.Background())
	require.NoError(t, err)

	// The new refresh token replaces the old one.
	assert.Equal(t, "tok-2", rec.AccessToken)
	assert.Equal(t, "refresh-2", rec.RefreshToken)
	assert.Equal(t, "refresh-2", p.Current().RefreshToken)

	form, ok := srv.grants.Load("refresh_token")
	require.True(t, ok)
	assert.Equal(t, "refresh-1", form.(url.Values).Get("refresh_token"))
}

func TestRefreshRetainsRefreshTokenWhenOmitted(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok-2", "expires_in": 3600})
	})

	store := &fakeStore{rec: &TokenRecord{
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	p := NewProvider(store)
	p.Configure(oauthConfig(srv.URL))

	rec, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", rec.RefreshToken)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	p := NewProvider(nil)
	p.Configure(oauthConfig("https://idp.example.com/token"))

	_, err := p.Refresh(context.Background())
	var oe *output.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, output.CodeAuth, oe.Code)
}

func TestTokenPrefersRefreshOverAcquisition(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok-2", "expires_in": 3600})
	})

	store := &fakeStore{rec: &TokenRecord{
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	p := NewProvider(store)
	p.Configure(oauthConfig(srv.URL))

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	_, refreshed := srv.grants.Load("refresh_token")
	assert.True(t, refreshed, "expired record with refresh token renews via refresh grant")
	_, acquired := srv.grants.Load("client_credentials")
	assert.False(t, acquired)
}

func TestClearDiscardsInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-gate
		writeToken(w, map[string]any{"access_token": "tok-late", "expires_in": 3600})
	})

	store := &fakeStore{}
	p := NewProvider(store)
	p.Configure(oauthConfig(srv.URL))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Token(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	p.Clear()
	close(gate)
	<-done

	assert.Nil(t, p.Current(), "record acquired before clear is discarded")
	assert.Equal(t, 0, store.saveCount())
}

func TestClearThenTokenAcquiresFresh(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	p.Clear()
	assert.Nil(t, p.Current())

	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.requests.Load())
}

func TestConfigureChangeInvalidatesToken(t *testing.T) {
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, map[string]any{"access_token": "tok", "expires_in": 3600})
	})

	p := NewProvider(nil)
	cfg := oauthConfig(srv.URL)
	p.Configure(cfg)

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p.Current())

	// Same config: cached token survives.
	p.Configure(cfg)
	assert.NotNil(t, p.Current())

	// Different config: cached token is dropped.
	cfg.ClientSecret = "rotated"
	p.Configure(cfg)
	assert.Nil(t, p.Current())
}

func TestAbandonedCallerStillUpdatesSharedState(t *testing.T) {
	gate := make(chan struct{})
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-gate
		writeToken(w, map[string]any{"access_token": "tok", "expires_in": 3600})
	})

	p := NewProvider(nil)
	p.Configure(oauthConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Token(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The operation completes anyway and the record lands in the cache.
	close(gate)
	assert.Eventually(t, func() bool {
		return p.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProviderLoadsPersistedToken(t *testing.T) {
	store := &fakeStore{rec: &TokenRecord{
		AccessToken: "persisted",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	p := NewProvider(store)
	p.Configure(oauthConfig("https://idp.example.com/token"))

	rec, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", rec.AccessToken)
}
