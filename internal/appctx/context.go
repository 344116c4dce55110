// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/prodash/erplink/internal/config"
	"github.com/prodash/erplink/internal/credstore"
	"github.com/prodash/erplink/internal/session"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands.
type App struct {
	Config  *config.Config
	Store   *credstore.Store
	Session *session.Session
	Log     zerolog.Logger

	// Flags holds the global flag values.
	Flags GlobalFlags
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	BaseURL       string
	EnvFile       string
	CredentialDir string
	Verbose       int // 0=warn, 1=info, 2=debug
}

// NewApp creates a new App from the resolved configuration.
func NewApp(cfg *config.Config) *App {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	store := credstore.New(cfg.CredentialDir)

	retries := cfg.Retries
	sess := session.New(store, session.Options{
		Logger:         &log,
		RequestTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Retries:        &retries,
		TestPath:       cfg.TestPath,
	})

	return &App{
		Config:  cfg,
		Store:   store,
		Session: sess,
		Log:     log,
	}
}

// ApplyFlags applies global flag values to logging and session state.
func (a *App) ApplyFlags() {
	switch {
	case a.Flags.Verbose >= 2:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case a.Flags.Verbose == 1:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// Close releases session resources.
func (a *App) Close() {
	if a.Session != nil {
		a.Session.Close()
	}
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context, or nil.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
