package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meetscribe/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// watchAndMerge re-runs the merge after the input stops changing for
// debounce. The directory is watched rather than the file so editors and
// atomic renames that replace the inode are still seen.
func watchAndMerge(ctx context.Context, m textMerger, in, out string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(in)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logging.Infow("transcript-merge: watching for changes", "path", target)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnw("transcript-merge: watcher error", "error", err)
		case <-timer.C:
			if err := mergeOnce(ctx, m, in, out); err != nil {
				logging.Errorw("transcript-merge: re-merge failed", "error", err, "input", in)
			}
		}
	}
}
