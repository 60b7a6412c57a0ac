package templates

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashureev/draftsmith/internal/domain"
)

// DirStore serves templates from a directory of YAML files and reloads them when
// the files change. A reload that fails to parse keeps the previous catalog.
type DirStore struct {
	dir      string
	pattern  string
	debounce time.Duration
	logger   *slog.Logger

	current swappable
	reloads atomic.Int64
}

// NewDirStore loads every *.yaml and *.yml file under dir.
func NewDirStore(dir string, logger *slog.Logger) (*DirStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DirStore{
		dir:      dir,
		pattern:  "**/*.{yaml,yml}",
		debounce: 200 * time.Millisecond,
		logger:   logger,
	}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DirStore) reload() error {
	c, err := LoadFS(os.DirFS(d.dir), d.pattern)
	if err != nil {
		return fmt.Errorf("load templates from %s: %w", d.dir, err)
	}
	d.current.store(c)
	d.reloads.Add(1)
	d.logger.Info("Loaded prompt templates", "dir", d.dir, "count", c.Len())
	return nil
}

func (d *DirStore) Lookup(ctx context.Context, section, subSection, category string) (*domain.PromptTemplate, error) {
	return d.current.load().Lookup(ctx, section, subSection, category)
}

// Reloads returns how many catalogs have been loaded, including the first.
func (d *DirStore) Reloads() int64 {
	return d.reloads.Load()
}

// Watch reloads the catalog whenever a template file changes, until ctx ends.
func (d *DirStore) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}

	err = filepath.WalkDir(d.dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch template dir: %w", err)
	}

	go d.processEvents(ctx, fsw)
	d.logger.Info("Template watcher started", "dir", d.dir)
	return nil
}

func (d *DirStore) processEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		if err := fsw.Close(); err != nil {
			d.logger.Warn("Failed to close template watcher", "error", err)
		}
	}()

	ticker := time.NewTicker(d.debounce)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err != nil {
						d.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if isTemplateFile(event.Name) {
				dirty = true
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			d.logger.Error("Template watcher error", "error", err)

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := d.reload(); err != nil {
				d.logger.Error("Template reload failed, keeping previous templates", "error", err)
			}
		}
	}
}

func isTemplateFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
