// Package watcher keeps the API token in sync with a token file.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called after the token changed. It never receives the
// token value itself.
type ChangeCallback func(path string)

// TokenFile is a hub.TokenSource backed by a file that is re-read whenever
// it changes on disk.
type TokenFile struct {
	path     string
	debounce time.Duration
	callback ChangeCallback
	logger   zerolog.Logger

	mu    sync.RWMutex
	token string

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a TokenFile.
type Option func(*TokenFile)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *TokenFile) { w.debounce = d }
}

// WithCallback registers a function called after each token change.
func WithCallback(cb ChangeCallback) Option {
	return func(w *TokenFile) { w.callback = cb }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *TokenFile) { w.logger = l }
}

// ReadToken reads a token file, trimming surrounding whitespace.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Watch reads path and keeps watching it. The parent directory is watched
// so that files replaced by rename are picked up too.
func Watch(path string, opts ...Option) (*TokenFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &TokenFile{
		path:     abs,
		debounce: defaultDebounce,
		logger:   zerolog.Nop(),
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	token, err := ReadToken(abs)
	if err != nil {
		return nil, err
	}
	w.token = token

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watch token directory: %w", err)
	}
	w.fsWatcher = fsW

	go w.watchLoop()
	return w, nil
}

// Token returns the last token read from the file.
func (w *TokenFile) Token() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token
}

// Close stops watching. It is safe to call more than once.
func (w *TokenFile) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.cancel)
		err = w.fsWatcher.Close()
		<-w.done
	})
	return err
}

// watchLoop processes fsnotify events with debouncing.
func (w *TokenFile) watchLoop() {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("path", w.path).Msg("token watcher error")
		}
	}
}

// reload re-reads the file. A missing file keeps the previous token, as
// happens between the remove and create of a replace.
func (w *TokenFile) reload() {
	select {
	case <-w.cancel:
		return
	default:
	}

	token, err := ReadToken(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debug().Str("path", w.path).Msg("token file missing, keeping previous token")
			return
		}
		w.logger.Warn().Err(err).Str("path", w.path).Msg("token reload failed")
		return
	}

	w.mu.Lock()
	changed := token != w.token
	w.token = token
	w.mu.Unlock()

	if changed {
		w.logger.Info().Str("path", w.path).Msg("token reloaded")
		if w.callback != nil {
			w.callback(w.path)
		}
	}
}
