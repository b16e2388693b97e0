package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked with the freshly loaded config after the
// file on disk changes.
type ChangeHandler func(cfg *Config)

// Manager watches the config file and re-loads it on change. Only the
// handlers decide what is actually hot-applied; connection-level
// settings (store DSN, ports) require a restart.
type Manager struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler

	mu      sync.RWMutex
	current *Config
	started bool
}

// NewManager loads the file once and prepares the watcher.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, logger: logger, watcher: watcher, current: cfg}, nil
}

// Current returns the last successfully loaded config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler; must be called before Start.
func (m *Manager) OnChange(h ChangeHandler) {
	m.handlers = append(m.handlers, h)
}

// Start begins watching until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	// Watch the directory: editors replace files rather than write in
	// place, which drops the watch on the file itself.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watcher.Close()
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce bursts of write events from a single save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFile(m.path)
	if err != nil {
		m.logger.Error("Config reload failed, keeping previous", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	handlers := m.handlers
	m.mu.Unlock()
	m.logger.Info("Config reloaded", zap.String("path", m.path))
	for _, h := range handlers {
		h(cfg)
	}
}
