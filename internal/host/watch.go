package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/saifelse/happypack/internal/engine"
)

// DefaultDebounce is how long Watch waits for a burst of events to settle
const DefaultDebounce = 100 * time.Millisecond

// PassFunc receives the report of every watch pass
type PassFunc func(report *Report, err error)

// Watch builds dir once, then rebuilds changed files until ctx is done.
// Every pass starts with WatchRun and ends with Done, so only the first
// pass uses the worker pool.
func (b *Builder) Watch(ctx context.Context, dir string, onPass PassFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files, err := b.collect([]string{dir})
	if err != nil {
		return err
	}

	if err := b.watchTree(watcher, dir); err != nil {
		return err
	}

	report, err := b.pass(ctx, files, (*engine.Engine).WatchRun)
	notify(onPass, report, err)

	var startErr *engine.StartupError
	if errors.As(err, &startErr) {
		return err
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(DefaultDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if b.skipDir(event.Name) {
						continue
					}

					if err := b.watchTree(watcher, event.Name); err != nil {
						b.logger.Warn("failed to watch directory", "dir", event.Name, "error", err)
						continue
					}

					// Files may land before the directory is watched
					added, err := b.collect([]string{event.Name})
					if err == nil && len(added) > 0 {
						for _, f := range added {
							if b.cfg.PipelineFor(f) != "" {
								pending[f] = true
							}
						}
						timer.Reset(DefaultDebounce)
					}
					continue
				}
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if b.cfg.PipelineFor(event.Name) == "" {
				continue
			}

			pending[event.Name] = true
			timer.Reset(DefaultDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for f := range pending {
				changed = append(changed, f)
			}
			pending = make(map[string]bool)

			b.logger.Info("rebuilding", "files", len(changed))
			report, err := b.pass(ctx, changed, (*engine.Engine).WatchRun)
			notify(onPass, report, err)
		}
	}
}

func (b *Builder) watchTree(watcher *fsnotify.Watcher, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	return filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != abs && b.skipDir(path) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

func notify(onPass PassFunc, report *Report, err error) {
	if onPass != nil {
		onPass(report, err)
	}
}
