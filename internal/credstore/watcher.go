package credstore

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the fallback credentials file so that credential changes
// made by another process reach this process's OnChange listeners. It plays
// the role the original system's cross-window broadcast events played.
//
// With the keyring backend the file never changes and the watcher simply
// stays quiet.
type Watcher struct {
	store *Store
	fw    *fsnotify.Watcher
	log   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the store's credential directory. Listeners
// registered on the store receive an OpExternal event for every observed
// mutation of the credentials file, including the store's own writes.
func NewWatcher(store *Store, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(store.fallbackDir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store: store,
		fw:    fw,
		log:   log,
		done:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != credentialsFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.log.Debug().Str("event", ev.Op.String()).Msg("credentials file changed on disk")
			w.store.fire(Event{Op: OpExternal, Key: tokenKey})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fw.Close()
		<-w.done
	})
	return err
}
