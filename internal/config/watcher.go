package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relayreport/internal/ingest"
)

const defaultDebounce = 250 * time.Millisecond

// PolicySink receives retry policies re-read from the configuration file.
type PolicySink interface {
	SetPolicies(policies ingest.Policies, ceiling int) error
}

// Watcher re-reads the YAML file when it changes and pushes the retry
// policies into a PolicySink. Other keys need a restart. A file that fails to
// load or validate leaves the current policies in place.
type Watcher struct {
	path     string
	loader   Loader
	sink     PolicySink
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	reloads chan struct{}
}

func NewWatcher(path string, loader Loader, sink PolicySink, logger zerolog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ingest.ErrInvalidInput)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: policy sink is required", ingest.ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		loader:   loader,
		sink:     sink,
		logger:   logger,
		debounce: defaultDebounce,
		reloads:  make(chan struct{}, 1),
	}, nil
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info().Str("path", w.path).Msg("watching config for retry policy changes")

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		case <-w.reloads:
			w.Reload()
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.reloads <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload loads the file once and applies its policies.
func (w *Watcher) Reload() error {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("config reload rejected; keeping current retry policies")
		return err
	}
	if err := w.sink.SetPolicies(cfg.Policies, cfg.MaxAttempts); err != nil {
		w.logger.Warn().Err(err).Msg("retry policies rejected")
		return err
	}
	w.logger.Info().Int("maxAttempts", cfg.MaxAttempts).Msg("retry policies reloaded")
	return nil
}
