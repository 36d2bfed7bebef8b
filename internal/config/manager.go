package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Getter returns the current config snapshot. Components hold a Getter and
// call it at point of use so tunables follow the file without a restart.
type Getter func() *Config

// Manager loads a config file and keeps the in-memory snapshot in sync with
// edits to it. Structural settings (data dir, gateway address) are still read
// once at construction by the caller; the snapshot only feeds tunables.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()

	m := &Manager{path: path, done: make(chan struct{})}
	m.current.Store(cfg)
	return m, nil
}

func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Getter adapts the manager to the accessor shape components expect.
func (m *Manager) Getter() Getter {
	return m.Snapshot
}

// Watch starts reloading the snapshot on file changes. Editors commonly
// replace config files via rename, so the parent directory is watched and
// events are filtered by name.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	m.watcher = watcher

	go m.watchLoop(watcher)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, m.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadConfigFrom(m.path)
	if err != nil {
		log.Printf("[config] reload skipped: %v", err)
		return
	}
	cfg.Normalize()
	m.current.Store(cfg)
	log.Printf("[config] reloaded: path=%s", m.path)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}
