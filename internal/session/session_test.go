package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodash/erplink/internal/auth"
	"github.com/prodash/erplink/internal/credstore"
)

func newStore(t *testing.T) *credstore.Store {
	t.Helper()
	t.Setenv("ERPLINK_NO_KEYRING", "1")
	return credstore.New(t.TempDir())
}

// erpServer fakes an ERP with a token endpoint and a probe endpoint.
func erpServer(t *testing.T) (*httptest.Server, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	var tokenHits, probeHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			tokenHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "tok-1",
				"refresh_token": "refresh-1",
				"expires_in":    3600,
			})
		case "/health":
			probeHits.Add(1)
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &tokenHits, &probeHits
}

func testConfig(srv *httptest.Server) auth.ClientConfig {
	return auth.ClientConfig{
		BaseURL:       srv.URL,
		AuthType:      auth.TypeOAuth2,
		ClientID:      "dashboard",
		ClientSecret:  "s3cret",
		TokenEndpoint: srv.URL + "/oauth/token",
	}
}

func TestAuthenticateAndTestConnection(t *testing.T) {
	srv, tokenHits, probeHits := erpServer(t)

	s := New(newStore(t), Options{TestPath: "/health"})
	defer s.Close()

	require.NoError(t, s.Configure(testConfig(srv)))
	assert.False(t, s.IsAuthenticated())

	rec, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.AccessToken)
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, int64(1), tokenHits.Load())

	// A refresh token arrived with the grant, so the monitor runs.
	assert.True(t, s.Monitor().Running())

	assert.True(t, s.TestConnection(context.Background()))
	assert.Equal(t, int64(1), probeHits.Load())
}

func TestTestConnectionNeverErrors(t *testing.T) {
	// Unconfigured session.
	s := New(newStore(t), Options{})
	defer s.Close()
	assert.False(t, s.TestConnection(context.Background()))

	// Configured but unreachable endpoint.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	s2 := New(newStore(t), Options{})
	defer s2.Close()
	require.NoError(t, s2.Configure(auth.ClientConfig{
		BaseURL:  srv.URL,
		AuthType: auth.TypeAPIKey,
		APIKey:   "k",
	}))
	assert.False(t, s2.TestConnection(context.Background()))
}

func TestClearAuthIdempotent(t *testing.T) {
	srv, _, _ := erpServer(t)

	s := New(newStore(t), Options{})
	defer s.Close()
	require.NoError(t, s.Configure(testConfig(srv)))

	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, s.IsAuthenticated())

	require.NoError(t, s.ClearAuth())
	assert.False(t, s.IsAuthenticated())
	assert.False(t, s.Monitor().Running())
	assert.Nil(t, s.Provider().Current())

	require.NoError(t, s.ClearAuth())
}

func TestClearAuthNotifiesObservers(t *testing.T) {
	srv, _, _ := erpServer(t)
	store := newStore(t)

	var cleared atomic.Int64
	store.OnChange(func(e credstore.Event) {
		if e.Op == credstore.OpClear {
			cleared.Add(1)
		}
	})

	s := New(store, Options{})
	defer s.Close()
	require.NoError(t, s.Configure(testConfig(srv)))

	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.ClearAuth())
	assert.Equal(t, int64(1), cleared.Load())
}

func TestSessionResumesPersistedState(t *testing.T) {
	srv, tokenHits, _ := erpServer(t)
	t.Setenv("ERPLINK_NO_KEYRING", "1")
	dir := t.TempDir()

	first := New(credstore.New(dir), Options{})
	require.NoError(t, first.Configure(testConfig(srv)))
	_, err := first.Authenticate(context.Background())
	require.NoError(t, err)
	first.Close()
	require.Equal(t, int64(1), tokenHits.Load())

	// A new session over the same directory picks up both the profile and
	// the token without touching the network.
	second := New(credstore.New(dir), Options{})
	defer second.Close()

	assert.True(t, second.IsAuthenticated())
	rec, err := second.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.AccessToken)
	assert.Equal(t, int64(1), tokenHits.Load())
	assert.True(t, second.Monitor().Running(), "persisted refresh token starts the monitor")
}

func TestConfigureRotationDropsToken(t *testing.T) {
	srv, _, _ := erpServer(t)

	s := New(newStore(t), Options{})
	defer s.Close()

	cfg := testConfig(srv)
	require.NoError(t, s.Configure(cfg))

	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, s.IsAuthenticated())

	cfg.ClientSecret = "rotated"
	require.NoError(t, s.Configure(cfg))
	assert.False(t, s.IsAuthenticated())
}

func TestRefreshThroughSession(t *testing.T) {
	srv, tokenHits, _ := erpServer(t)

	s := New(newStore(t), Options{})
	defer s.Close()
	require.NoError(t, s.Configure(testConfig(srv)))

	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	rec, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.AccessToken)
	assert.Equal(t, int64(2), tokenHits.Load())
}

func TestSessionRetryOverrides(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(newStore(t), Options{
		Retries:   retries(2),
		BaseDelay: time.Millisecond,
	})
	defer s.Close()
	require.NoError(t, s.Configure(auth.ClientConfig{
		BaseURL:  srv.URL,
		AuthType: auth.TypeAPIKey,
		APIKey:   "k",
	}))

	_, err := s.Client().Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, int64(3), attempts.Load())
}

func retries(n int) *int { return &n }
