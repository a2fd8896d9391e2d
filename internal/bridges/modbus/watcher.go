package modbus

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the map whenever its file changes, until ctx is done or
// Close is called. Bursts of change events are coalesced: the reload runs
// once no event has arrived for the debounce window.
//
// The containing directory is watched rather than the file, so editors
// that save by writing a new file and renaming it over the old one are
// still seen. Calling Watch while already watching is a no-op.
func (m *RegisterMap) Watch(ctx context.Context) error {
	path := m.Path()
	if path == "" {
		return ErrNoMapPath
	}

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watchCancel != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.watchCancel = cancel
	m.watchDone = done

	go m.watchLoop(ctx, w, target, done)
	m.logger.Info("watching register map for changes", "path", target, "debounce", m.debounce)
	return nil
}

func (m *RegisterMap) watchLoop(ctx context.Context, w *fsnotify.Watcher, target string, done chan struct{}) {
	defer close(done)
	defer w.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&relevant == 0 {
				continue
			}
			m.logger.Debug("register map changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			} else {
				timer.Reset(m.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			// Load logs and counts its own failures; the previous
			// generation stays active.
			_ = m.Reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("register map watcher error", "error", err)
		}
	}
}

// stopWatch cancels the watcher and waits for it to exit.
func (m *RegisterMap) stopWatch() {
	m.watchMu.Lock()
	cancel, done := m.watchCancel, m.watchDone
	m.watchCancel, m.watchDone = nil, nil
	m.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
