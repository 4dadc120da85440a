// Package repowatch keeps a Repository's pack list current: it watches
// objects/pack with fsnotify and rescans when pack files appear or
// vanish, as happens when another process repacks or fetches.
package repowatch

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rybkr/gitsend/internal/gitcore"
)

// debounceTime coalesces the burst of events a repack produces into one
// rescan.
const debounceTime = 100 * time.Millisecond

// Watcher refreshes a repository's pack index list on filesystem changes.
type Watcher struct {
	repo    *gitcore.Repository
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	onSync  func() // test hook, called after each rescan

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts watching repo's objects/pack directory. logger may be nil.
func New(repo *gitcore.Repository, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	packDir := filepath.Join(repo.GitDir(), "objects", "pack")
	if err := fsw.Add(packDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		repo:    repo,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()

	logger.Info("watching pack directory", "dir", packDir)
	return w, nil
}

// loop debounces events and triggers rescans.
func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isPackEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceTime)
				timerC = timer.C
			} else {
				timer.Reset(debounceTime)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pack watcher error", "err", err)

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.repo.RefreshPackPaths(); err != nil {
				w.logger.Warn("pack list refresh failed", "err", err)
			} else {
				w.logger.Debug("pack list refreshed")
			}
			if w.onSync != nil {
				w.onSync()
			}
		}
	}
}

// isPackEvent reports whether the event concerns a pack index appearing,
// disappearing, or being replaced. Writes to .pack files mid-download are
// ignored; the .idx only lands once the pack is complete.
func isPackEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".idx") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
