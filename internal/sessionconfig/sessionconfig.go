// Package sessionconfig loads the session-scoped defaultFields and the CLI
// drain timeouts from a YAML file, merging a user-dir copy with a
// project-dir override the way internal/config/config.go merges its
// settings.json pair, and hot-reloads the defaultFields file via fsnotify.
package sessionconfig

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/puzed/openpull-node/internal/obslog"
)

const (
	configFileName   = "openpull.yaml"
	projectConfigDir = ".openpull"

	defaultExitDelay    = 150 * time.Millisecond
	defaultFlushTimeout = 2 * time.Second
)

// Config is the on-disk shape of a session config file.
type Config struct {
	DefaultFields map[string]string `yaml:"defaultFields,omitempty"`
	ExitDelayMS   int               `yaml:"exitDelayMs,omitempty"`
	FlushTimeout  int               `yaml:"flushTimeoutMs,omitempty"`
}

// Manager merges a user-dir config with a project-dir override (project
// wins) and exposes the result via Get. Watch begins watching the project
// config file for changes and re-merging on write.
type Manager struct {
	mu      sync.RWMutex
	user    Config
	project Config
	merged  Config

	watcher *fsnotify.Watcher
}

// NewManager returns an empty Manager; call Load before Get.
func NewManager() *Manager {
	return &Manager{}
}

// Load reads <userConfigDir>/openpull.yaml and <projectDir>/.openpull/openpull.yaml,
// merging project over user. A missing file is not an error; it yields
// zero-value fields which Get's accessors default.
func (m *Manager) Load(userConfigDir, projectDir string) error {
	user, err := loadFile(filepath.Join(userConfigDir, configFileName))
	if err != nil {
		return err
	}
	project, err := loadFile(filepath.Join(projectDir, projectConfigDir, configFileName))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.user = user
	m.project = project
	m.merge()
	m.mu.Unlock()
	return nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// merge recomputes m.merged from m.user and m.project; project fields win
// when set. Callers must hold m.mu.
func (m *Manager) merge() {
	merged := m.user
	if m.project.DefaultFields != nil {
		merged.DefaultFields = m.project.DefaultFields
	}
	if m.project.ExitDelayMS != 0 {
		merged.ExitDelayMS = m.project.ExitDelayMS
	}
	if m.project.FlushTimeout != 0 {
		merged.FlushTimeout = m.project.FlushTimeout
	}
	m.merged = merged
}

// Get returns a copy of the merged config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merged
}

// DefaultFields returns the merged defaultFields map, or nil if none are
// configured.
func (m *Manager) DefaultFields() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merged.DefaultFields
}

// ExitDelay returns the configured exit delay, or the source package's
// 150ms heuristic default if unset.
func (m *Manager) ExitDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.merged.ExitDelayMS <= 0 {
		return defaultExitDelay
	}
	return time.Duration(m.merged.ExitDelayMS) * time.Millisecond
}

// FlushTimeout returns the configured drain timeout, or a 2s default.
func (m *Manager) FlushTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.merged.FlushTimeout <= 0 {
		return defaultFlushTimeout
	}
	return time.Duration(m.merged.FlushTimeout) * time.Millisecond
}

// Watch starts an fsnotify watch on <projectDir>/.openpull/openpull.yaml and
// re-merges whenever it's written. Call Close to stop. A missing project
// config directory is created, so a config file written there later is
// picked up.
func (m *Manager) Watch(projectDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Join(projectDir, projectConfigDir)
	target := filepath.Join(dir, configFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				project, err := loadFile(target)
				if err != nil {
					obslog.Warn("sessionconfig: reload failed", "path", target, "error", err)
					continue
				}
				m.mu.Lock()
				m.project = project
				m.merge()
				m.mu.Unlock()
				obslog.Info("sessionconfig: reloaded", "path", target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				obslog.Warn("sessionconfig: watch error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the fsnotify watch, if one is running. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
