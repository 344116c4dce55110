package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMonitorInterval is how often the monitor inspects token validity.
const DefaultMonitorInterval = 30 * time.Second

// Monitor proactively renews credentials before callers notice expiry. It
// runs only while a refresh token is available and stops itself once there is
// nothing productive to do.
type Monitor struct {
	provider *Provider
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewMonitor creates a monitor for the given provider. An interval <= 0
// falls back to DefaultMonitorInterval.
func NewMonitor(provider *Provider, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		provider: provider,
		interval: interval,
		log:      log,
	}
}

// Start launches the background loop. It is a no-op when already running or
// when no refresh token is available.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	if !m.provider.HasRefreshToken() {
		m.log.Debug().Msg("expiration monitor not started: no refresh token")
		return
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	go m.loop(m.stop, m.done)
	m.log.Debug().Dur("interval", m.interval).Msg("expiration monitor started")
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly and
// while stopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.running = false
		}
		m.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.tick() {
				m.log.Debug().Msg("expiration monitor stopping: no refresh token")
				return
			}
		}
	}
}

// tick renews the token when it has gone invalid. It returns false once no
// refresh token remains. A failed refresh is reported and waited out; the
// next tick tries again.
func (m *Monitor) tick() bool {
	rec := m.provider.Current()
	if rec == nil || rec.RefreshToken == "" {
		return false
	}
	if rec.Valid(m.provider.now()) {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.provider.timeout)
	defer cancel()

	if _, err := m.provider.Refresh(ctx); err != nil {
		m.log.Warn().Err(err).Msg("proactive token refresh failed")
	}
	return true
}
