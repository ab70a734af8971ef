package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/rvbbit/lars/pkg/registry"
)

// CascadeRegistry holds loaded cascade documents keyed by cascade_id.
// Cascades come from a directory scan (optionally watched for changes)
// or from direct in-memory registration.
type CascadeRegistry struct {
	*registry.BaseRegistry[*Cascade]
}

func NewCascadeRegistry() *CascadeRegistry {
	return &CascadeRegistry{
		BaseRegistry: registry.NewBaseRegistry[*Cascade](),
	}
}

// LoadDir loads every .yaml/.yml cascade under dir (non-recursive).
// Documents that fail to parse are skipped with a warning so one broken
// file does not take down the registry.
func (r *CascadeRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read cascade dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isCascadeFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cascade, err := LoadCascadeFile(path)
		if err != nil {
			slog.Warn("Skipping invalid cascade document", "path", path, "error", err)
			continue
		}
		r.Replace(cascade.CascadeID, cascade)
		loaded++
	}

	slog.Info("Loaded cascade documents", "dir", dir, "count", loaded)
	return nil
}

// Watch reloads cascade documents when files under dir change. Blocks
// until ctx is cancelled.
func (r *CascadeRegistry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch cascade dir: %w", err)
	}

	slog.Info("Watching cascade directory", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isCascadeFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cascade, err := LoadCascadeFile(event.Name)
			if err != nil {
				slog.Warn("Cascade reload failed", "path", event.Name, "error", err)
				continue
			}
			r.Replace(cascade.CascadeID, cascade)
			slog.Info("Cascade reloaded", "cascade_id", cascade.CascadeID, "path", event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Cascade watcher error", "error", err)
		}
	}
}

func isCascadeFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
