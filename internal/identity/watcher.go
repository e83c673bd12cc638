package identity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

// Watcher reports sign-in and sign-out by watching the credential file.
// The parent directory is watched so atomic rename-into-place writes are
// seen.
type Watcher struct {
	provider *FileProvider
	debounce time.Duration

	mu   sync.Mutex
	last *Principal
	seen bool
}

func NewWatcher(provider *FileProvider, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{provider: provider, debounce: debounce}
}

// Run emits the current principal (nil when signed out) once at start and
// again whenever it changes, until ctx is cancelled. onChange is never
// called concurrently with itself.
func (w *Watcher) Run(ctx context.Context, onChange func(*Principal)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.provider.Path())
	if err := fw.Add(dir); err != nil {
		return err
	}

	w.emit(onChange)

	target := filepath.Clean(w.provider.Path())
	clock := w.provider.clock
	var fire <-chan time.Time
	var timer clockwork.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			t := clock.NewTimer(w.debounce)
			timer = t
			fire = t.Chan()

		case <-fire:
			fire = nil
			timer = nil
			w.emit(onChange)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("credential watcher error", logging.KeyError, err)
		}
	}
}

// Current returns the principal implied by the local credential.
func (w *Watcher) Current() *Principal {
	cred, ok := w.provider.LocalCredential()
	if !ok {
		return nil
	}
	return cred.Principal()
}

func (w *Watcher) emit(onChange func(*Principal)) {
	current := w.Current()

	w.mu.Lock()
	changed := !w.seen || !w.last.Same(current)
	w.last = current
	w.seen = true
	w.mu.Unlock()

	if !changed {
		return
	}
	if current == nil {
		log.Info("signed out locally")
	} else {
		log.Info("signed in locally", logging.KeyPrincipalID, current.ID)
	}
	onChange(current)
}
