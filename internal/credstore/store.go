// Package credstore durably persists the current token record and client
// configuration across process restarts, and broadcasts a change event after
// every credential mutation.
//
// Storage prefers the OS keyring; when unavailable it falls back to a
// flock-guarded, atomically-replaced JSON file with 0600 permissions.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/zalando/go-keyring"

	"github.com/prodash/erplink/internal/auth"
	"github.com/prodash/erplink/internal/output"
)

const (
	serviceName     = "erplink"
	tokenKey        = "token"
	configKey       = "client_config"
	credentialsFile = "credentials.json"
)

// Op classifies a change event.
type Op string

const (
	OpSave     Op = "save"
	OpClear    Op = "clear"
	OpExternal Op = "external" // mutation observed from another process
)

// Event describes a credential mutation.
type Event struct {
	Op  Op
	Key string // "token" or "client_config"
}

// Store persists credentials. The token record and the client configuration
// are stored as separate entries; secret material is never folded into the
// token record.
type Store struct {
	useKeyring  bool
	fallbackDir string

	mu        sync.Mutex
	listeners []func(Event)
}

// New creates a credential store rooted at fallbackDir. The keyring is probed
// once; if unusable (headless CI, locked session), the file backend is used
// with a printed warning, matching how interactive logins degrade.
func New(fallbackDir string) *Store {
	if os.Getenv("ERPLINK_NO_KEYRING") != "" {
		return &Store{useKeyring: false, fallbackDir: fallbackDir}
	}

	probe := serviceName + "::probe"
	if err := keyring.Set(serviceName, probe, "probe"); err == nil {
		_ = keyring.Delete(serviceName, probe) // Best-effort cleanup
		return &Store{useKeyring: true, fallbackDir: fallbackDir}
	}
	fmt.Fprintf(os.Stderr, "warning: system keyring unavailable, credentials stored in plaintext at %s\n",
		filepath.Join(fallbackDir, credentialsFile))
	return &Store{useKeyring: false, fallbackDir: fallbackDir}
}

// OnChange registers a listener invoked after every save and clear. Consumers
// use this instead of polling storage.
func (s *Store) OnChange(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) fire(e Event) {
	s.mu.Lock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// SaveToken persists the token record and notifies listeners.
func (s *Store) SaveToken(rec *auth.TokenRecord) error {
	if rec == nil {
		return output.ErrStore("save", errors.New("nil token record"))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return output.ErrStore("save", err)
	}
	if err := s.set(tokenKey, data); err != nil {
		return output.ErrStore("save", err)
	}
	s.fire(Event{Op: OpSave, Key: tokenKey})
	return nil
}

// LoadToken returns the persisted record, or nil when absent. Corrupt data is
// discarded rather than surfaced as an error.
func (s *Store) LoadToken() (*auth.TokenRecord, error) {
	data, err := s.get(tokenKey)
	if err != nil {
		return nil, output.ErrStore("load", err)
	}
	if data == nil {
		return nil, nil
	}
	var rec auth.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// SaveConfig persists the client configuration and notifies listeners.
func (s *Store) SaveConfig(cfg auth.ClientConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return output.ErrStore("save", err)
	}
	if err := s.set(configKey, data); err != nil {
		return output.ErrStore("save", err)
	}
	s.fire(Event{Op: OpSave, Key: configKey})
	return nil
}

// LoadConfig returns the persisted configuration, or nil when absent or
// corrupt.
func (s *Store) LoadConfig() (*auth.ClientConfig, error) {
	data, err := s.get(configKey)
	if err != nil {
		return nil, output.ErrStore("load", err)
	}
	if data == nil {
		return nil, nil
	}
	var cfg auth.ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil
	}
	return &cfg, nil
}

// Clear removes all persisted credential material. Idempotent; clearing an
// already-empty store succeeds and still notifies listeners.
func (s *Store) Clear() error {
	if err := s.deleteAll(); err != nil {
		return output.ErrStore("clear", err)
	}
	s.fire(Event{Op: OpClear, Key: tokenKey})
	return nil
}

// UsingKeyring reports whether the OS keyring backend is active.
func (s *Store) UsingKeyring() bool {
	return s.useKeyring
}

// CredentialsPath returns the fallback file path (meaningful for the file
// backend and its watcher).
func (s *Store) CredentialsPath() string {
	return filepath.Join(s.fallbackDir, credentialsFile)
}

// Backend dispatch

func key(name string) string {
	return serviceName + "::" + name
}

func (s *Store) set(name string, data []byte) error {
	if s.useKeyring {
		return keyring.Set(serviceName, key(name), string(data))
	}
	return s.fileUpdate(func(all map[string]json.RawMessage) {
		all[name] = json.RawMessage(data)
	})
}

func (s *Store) get(name string) ([]byte, error) {
	if s.useKeyring {
		data, err := keyring.Get(serviceName, key(name))
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []byte(data), nil
	}

	all, err := s.loadAllFromFile()
	if err != nil {
		return nil, err
	}
	data, ok := all[name]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (s *Store) deleteAll() error {
	if s.useKeyring {
		for _, name := range []string{tokenKey, configKey} {
			if err := keyring.Delete(serviceName, key(name)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				return err
			}
		}
		return nil
	}

	err := os.Remove(s.CredentialsPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// File backend. Writes are guarded by a lock file so concurrent CLI
// invocations don't interleave read-modify-write cycles, and the file itself
// is replaced atomically.

// lockTimeout bounds the wait for the file lock. On timeout the operation
// proceeds without the lock rather than hanging the caller.
const lockTimeout = 100 * time.Millisecond

func (s *Store) acquireLock() *flock.Flock {
	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return nil
	}
	fl := flock.New(filepath.Join(s.fallbackDir, ".lock"))

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil || !locked {
		return nil
	}
	return fl
}

func (s *Store) fileUpdate(mutate func(map[string]json.RawMessage)) error {
	if fl := s.acquireLock(); fl != nil {
		defer func() { _ = fl.Unlock() }()
	}

	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	mutate(all)
	return s.saveAllToFile(all)
}

func (s *Store) loadAllFromFile() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.CredentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, err
	}

	all := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &all); err != nil {
		// Corrupt file: start over rather than crash.
		return make(map[string]json.RawMessage), nil
	}
	return all, nil
}

func (s *Store) saveAllToFile(all map[string]json.RawMessage) error {
	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.fallbackDir, "credentials-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Unix: rename atomically replaces the destination.
	// Windows: rename fails when the destination exists; remove and retry.
	destPath := s.CredentialsPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}
