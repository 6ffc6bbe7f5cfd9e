package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events an editor save produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever one of the files Load reads for
// (dir, explicitPath) changes, and calls onChange with the result. Files are
// watched through their directories so atomic renames are seen. Invalid
// configurations are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, dir, explicitPath string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	files := watchedFiles(dir, explicitPath)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	dirs := make(map[string]bool)
	for f := range files {
		d := filepath.Dir(f)
		if dirs[d] {
			continue
		}
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := fsw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
		dirs[d] = true
	}
	slog.Debug("config_watch_started", slog.Int("dirs", len(dirs)))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config_watch_error", slog.String("error", err.Error()))
		case <-timer.C:
			cfg, err := Load(dir, explicitPath)
			if err != nil {
				slog.Warn("config_reload_failed", slog.String("error", err.Error()))
				continue
			}
			onChange(cfg)
		}
	}
}

// watchedFiles lists every path Load may read, cleaned and absolute.
func watchedFiles(dir, explicitPath string) map[string]bool {
	paths := []string{GetUserConfigPath()}
	if explicitPath != "" {
		paths = append(paths, explicitPath)
	} else {
		paths = append(paths, filepath.Join(dir, "msgsearch.yaml"), filepath.Join(dir, "msgsearch.yml"))
	}

	files := make(map[string]bool, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		files[filepath.Clean(p)] = true
	}
	return files
}
