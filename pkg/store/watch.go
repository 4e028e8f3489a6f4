// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch calls onChange with the new document whenever the file is edited
// by someone else. Writes made through Save are not reported. Parse errors
// are logged and the previous document stays in effect. Watch blocks until
// ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func(*relay.Document)) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.reload(onChange)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Dur("retry_in", backoff).Msg("Failed to start store watcher")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, restartBackoffMax)
			continue
		}
		backoff = restartBackoffBase
		s.log.Debug().Str("path", s.path).Msg("Watching routing document")

		if !s.watchLoop(ctx, w, file, debounce) {
			return nil
		}
		s.log.Warn().Msg("Store watcher stopped delivering events, restarting")
	}
}

// watchLoop runs until the watcher breaks (true) or ctx is done (false).
func (s *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) bool {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("Store watcher error")
				// Events may have been missed.
				debounce()
			}
		}
	}
}

func (s *FileStore) reload(onChange func(*relay.Document)) {
	// Editors may briefly move the file away while saving.
	if _, err := os.Stat(s.path); err != nil {
		return
	}
	doc, h, err := s.read()
	if err != nil {
		s.log.Warn().Err(err).Msg("Ignoring invalid routing document")
		return
	}
	s.mu.Lock()
	unchanged := h == s.lastHash
	if !unchanged {
		s.lastHash = h
	}
	s.mu.Unlock()
	if unchanged {
		return
	}
	s.log.Info().Int("channels", len(doc.Channels)).Msg("Routing document changed on disk, reloading")
	onChange(doc)
}
