// Package watcher monitors the config file for changes and fires a
// callback once writes settle. Editors and atomic saves replace the
// file rather than writing it in place, so the watch goes on the parent
// directory and events are filtered by name; content hashing suppresses
// events that change nothing.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a change fires.
const DefaultDebounce = 500 * time.Millisecond

// Config configures the file watcher.
type Config struct {
	// Path is the file to watch.
	Path string

	// OnChange runs after a settled, real content change.
	OnChange func()

	// Debounce is the quiet period before OnChange fires.
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher monitors one file for content changes.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	hashMu sync.Mutex
	hash   string

	done chan struct{}
}

// New creates a watcher for the file at cfg.Path. The parent directory
// must exist; the file itself may not yet.
func New(cfg *Config) (*Watcher, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:      cfg.Path,
		onChange:  cfg.OnChange,
		logger:    logger,
		fsWatcher: fsWatcher,
		done:      make(chan struct{}),
	}
	w.debouncer = NewDebouncer(debounce, w.handleSettled)

	dir := filepath.Dir(cfg.Path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	// Seed the hash so only changes after startup fire.
	if h, err := hashFile(cfg.Path); err == nil {
		w.hash = h
	}

	return w, nil
}

// Start processes file events. Blocks until the context is cancelled or
// the event stream closes.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("config watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return ctx.Err()

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

// Stop shuts down the watcher and cancels pending callbacks.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		// Already stopped
		return nil
	default:
		close(w.done)
	}

	w.debouncer.Stop()

	if err := w.fsWatcher.Close(); err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}

	w.logger.Info("config watcher stopped")
	return nil
}

// Done returns a channel that's closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// handleEvent filters directory events down to the watched file. An
// atomic save surfaces as a Create of the final name.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.path {
		return
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		w.debouncer.Trigger(event.Name)
	}
}

// handleSettled runs after the quiet period. Touches and atomic-save
// replays leave the hash unchanged and are dropped.
func (w *Watcher) handleSettled(path string) {
	changed, err := w.contentChanged()
	if err != nil {
		w.logger.Debug("skipping change check", "path", path, "error", err)
		return
	}
	if !changed {
		w.logger.Debug("content unchanged, skipping", "path", path)
		return
	}

	w.logger.Debug("file changed", "path", path)
	w.onChange()
}

// contentChanged reports whether the file content differs from the last
// observation, updating the stored hash when it does.
func (w *Watcher) contentChanged() (bool, error) {
	newHash, err := hashFile(w.path)
	if err != nil {
		return false, err
	}

	w.hashMu.Lock()
	defer w.hashMu.Unlock()

	if w.hash == newHash {
		return false, nil
	}
	w.hash = newHash
	return true, nil
}

// hashFile computes the SHA256 hash of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
