package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

// DefaultWatchDelay debounces bursts of editor writes.
const DefaultWatchDelay = 500 * time.Millisecond

// ScenarioWatcher calls a reload function when scenario sources change.
type ScenarioWatcher struct {
	watcher *fsnotify.Watcher
	delay   time.Duration
	logger  *telemetry.Logger
	exts    []string
}

// NewScenarioWatcher watches paths (files or directories, recursively) for
// writes to .cue and .star files. A zero delay uses DefaultWatchDelay.
func NewScenarioWatcher(paths []string, delay time.Duration, logger *telemetry.Logger) (*ScenarioWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	sw := &ScenarioWatcher{
		watcher: watcher,
		delay:   delay,
		logger:  telemetry.OrNop(logger).NewComponentLogger("watch"),
		exts:    []string{".cue", ".star"},
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			err = sw.watchDirectory(path)
		} else {
			// Editors replace files on save; watch the parent directory.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	return sw, nil
}

// watchDirectory adds dirPath and its subdirectories to the watcher.
func (sw *ScenarioWatcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "cue.mod" {
				return filepath.SkipDir
			}
			return sw.watcher.Add(path)
		}
		return nil
	})
}

// Run blocks until ctx is done, calling reload once per debounced burst of
// changes. Reloads never overlap.
func (sw *ScenarioWatcher) Run(ctx context.Context, reload func(ctx context.Context) error) error {
	defer sw.watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !sw.relevant(event.Name) {
				continue
			}
			sw.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("scenario source changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(sw.delay)
			pending = timer.C

		case <-pending:
			pending = nil
			if err := reload(ctx); err != nil {
				sw.logger.WithError(err).Error("reload failed")
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.logger.WithError(err).Warn("watcher error")
		}
	}
}

// Close stops the watcher without running it.
func (sw *ScenarioWatcher) Close() error {
	return sw.watcher.Close()
}

func (sw *ScenarioWatcher) relevant(name string) bool {
	for _, ext := range sw.exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
