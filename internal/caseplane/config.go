package caseplane

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
)

// Config is the file-borne part of service configuration: provider webhook
// secrets and engine connection settings. Everything else comes from the
// environment in cmd.
type Config struct {
	Engine struct {
		BaseURL   string `yaml:"baseUrl"`
		AuthToken string `yaml:"authToken"`
	} `yaml:"engine"`
	Providers struct {
		VoiceAIWebhookSecret string `yaml:"voiceaiWebhookSecret"`
	} `yaml:"providers"`
	Schemas map[string]string `yaml:"schemas"` // workflow name -> schema file path
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ConfigWatcher keeps a Config current by watching its file for rewrites.
// Webhook secrets rotate without a restart; consumers read through Current or
// a SecretSource closure rather than holding a stale copy.
type ConfigWatcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and secret managers replace
	// the file by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		path:    path,
		logger:  logger,
		watcher: watcher,
		current: cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// VoiceAISecretSource returns a closure the HTTP layer uses to read the
// current webhook secret on every request.
func (w *ConfigWatcher) VoiceAISecretSource() func() string {
	return func() string {
		return w.Current().Providers.VoiceAIWebhookSecret
	}
}

func (w *ConfigWatcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
	return w.watcher.Close()
}

func (w *ConfigWatcher) loop() {
	defer close(w.done)
	var reloadTimer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: writes come in bursts.
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		// Keep the last good config.
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)
}
