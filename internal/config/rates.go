package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mcplens/mcplens/pkg/types"
	"gopkg.in/yaml.v3"
)

// RateWatcher hot-reloads cost rates from a YAML file so pricing changes
// take effect without a proxy restart.
type RateWatcher struct {
	path     string
	debounce time.Duration
	onChange func(types.CostRates)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	running atomic.Bool
}

type RateWatcherConfig struct {
	Path     string
	Debounce time.Duration
	OnChange func(types.CostRates)
}

func NewRateWatcher(cfg RateWatcherConfig, logger *slog.Logger) (*RateWatcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rate file path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("rate change callback is required")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateWatcher{
		path:     cfg.Path,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   logger,
	}, nil
}

// Start begins watching the rate file. The containing directory is watched
// so editors that replace the file atomically are still observed.
func (w *RateWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("rate watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching rate file: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

func (w *RateWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	return w.watcher.Close()
}

func (w *RateWatcher) processEvents(ctx context.Context) {
	var pending *time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			t := time.Now()
			pending = &t
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rate watcher error", "error", err)
		case <-ticker.C:
			if pending == nil || time.Since(*pending) < w.debounce {
				continue
			}
			pending = nil
			w.reload()
		}
	}
}

func (w *RateWatcher) reload() {
	rates, err := LoadRates(w.path)
	if err != nil {
		w.logger.Warn("rate reload failed, keeping previous rates", "path", w.path, "error", err)
		return
	}
	w.logger.Info("cost rates reloaded",
		"input_per_1k", rates.InputPer1kTokens,
		"output_per_1k", rates.OutputPer1kTokens)
	w.onChange(rates)
}

// LoadRates reads cost rates from a YAML file.
func LoadRates(path string) (types.CostRates, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.CostRates{}, fmt.Errorf("read rates: %w", err)
	}
	var rates types.CostRates
	if err := yaml.Unmarshal(b, &rates); err != nil {
		return types.CostRates{}, fmt.Errorf("parse rates: %w", err)
	}
	if rates.InputPer1kTokens < 0 || rates.OutputPer1kTokens < 0 {
		return types.CostRates{}, fmt.Errorf("rates must not be negative")
	}
	return rates, nil
}
