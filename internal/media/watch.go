package media

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch keeps the in-memory cache index in step with the media
// directories, so blobs removed from disk by the user or the OS are
// downloaded again rather than reported as cached. It blocks until ctx is
// cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, kind := range []Kind{KindPhoto, KindVoice} {
		if err := watcher.Add(filepath.Join(m.root, string(kind))); err != nil {
			return fmt.Errorf("watching %s cache: %w", kind, err)
		}
	}

	m.logger.Info("media cache watcher started", slog.String("dir", m.root))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			m.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			m.logger.Warn("media watcher error", slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	hash := filepath.Base(event.Name)
	if !validHash(hash) {
		return
	}
	kind := Kind(filepath.Base(filepath.Dir(event.Name)))
	if !validKind(kind) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		m.mu.Lock()
		delete(m.cached, hash)
		m.mu.Unlock()
		m.logger.Debug("cached media removed", slog.String("hash", hash))

	case event.Has(fsnotify.Create):
		m.mu.Lock()
		m.cached[hash] = kind
		m.mu.Unlock()
	}
}
