package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from a YAML file whenever it changes on disk,
// per spec.md §7's "recoverable mid-flight misconfigurations" policy
// extended to file-watch hot-reload (SPEC_FULL.md §6). Grounded on
// 99souls-ariadne's HotReloadSystem: an fsnotify.Watcher on the file's
// parent directory (watching the directory rather than the file itself
// survives editors that replace-by-rename on save), filtered to events
// naming the watched path.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher opens an fsnotify watch on path's parent directory.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	return &Watcher{path: path, watcher: fw, logger: logger}, nil
}

// Run blocks until ctx is cancelled, calling onReload with each newly
// loaded and validated Config after the watched file is written.
// current is the Config already in effect; a reload that differs in a
// startup-only field (role, wlans, stats_port, mgmt ports/addresses) is
// rejected with a logged warning and never reaches onReload, since those
// fields only take effect when the peer's sockets are first opened.
func (w *Watcher) Run(ctx context.Context, current *Config, onReload func(*Config)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			next, err := Load(w.path)
			if err != nil {
				w.warn("config reload failed, keeping current settings", err)
				continue
			}
			if field := startupOnlyFieldChanged(current, next); field != "" {
				w.warn(fmt.Sprintf("config reload rejected: %s only takes effect at startup", field), nil)
				continue
			}

			current = next
			onReload(next)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.warn("config watcher error", err)
		}
	}
}

func (w *Watcher) warn(msg string, err error) {
	if w.logger == nil {
		return
	}
	if err != nil {
		w.logger.Warn(msg, slog.String("error", err.Error()))
		return
	}
	w.logger.Warn(msg)
}

// startupOnlyFieldChanged reports the name of the first field that only
// takes effect when sockets are first opened at process start, or ""
// if none of them differ between a and b.
func startupOnlyFieldChanged(a, b *Config) string {
	switch {
	case a.Common.Role != b.Common.Role:
		return "common.role"
	case a.Common.StatsPort != b.Common.StatsPort:
		return "common.stats_port"
	case !slices.Equal(a.Common.Wlans, b.Common.Wlans):
		return "common.wlans"
	case a.Mgmt.GSPort != b.Mgmt.GSPort || a.Mgmt.DronePort != b.Mgmt.DronePort:
		return "mgmt.gs_port/drone_port"
	case a.Mgmt.GSAddr != b.Mgmt.GSAddr || a.Mgmt.DroneAddr != b.Mgmt.DroneAddr:
		return "mgmt.gs_addr/drone_addr"
	case a.Mgmt.HeartbeatGSPort != b.Mgmt.HeartbeatGSPort || a.Mgmt.HeartbeatDronePort != b.Mgmt.HeartbeatDronePort:
		return "mgmt.heartbeat_gs_port/heartbeat_drone_port"
	case a.Mgmt.ControlAddr != b.Mgmt.ControlAddr:
		return "mgmt.control_addr"
	case a.Metrics.Addr != b.Metrics.Addr:
		return "metrics.addr"
	default:
		return ""
	}
}
