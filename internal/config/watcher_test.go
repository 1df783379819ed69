package config_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sich-link/sich/internal/config"
)

const validYAML = `
common:
  role: gs
  wlans: [wlan0]
  stats_port: 8080
freq_sel:
  score_frames: 3
  per_hop_min: 25
  per_hop_max: 80
mgmt:
  gs_port: 14889
  drone_port: 14888
  gs_addr: 10.5.0.1
  drone_addr: 10.5.0.2
`

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *config.Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, cfg, func(next *config.Config) {
			reloaded <- next
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)

	updated := strings.Replace(validYAML, "per_hop_min: 25", "per_hop_min: 30", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case next := <-reloaded:
		if next.FreqSel.PerHopMin != 30 {
			t.Errorf("FreqSel.PerHopMin = %d, want 30", next.FreqSel.PerHopMin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload never observed")
	}

	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Fatalf("Run: %v", err)
	}
}

func TestWatcherRejectsStartupOnlyFieldChange(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *config.Config, 1)
	go w.Run(ctx, cfg, func(next *config.Config) { reloaded <- next })

	time.Sleep(50 * time.Millisecond)

	// Changing mgmt.gs_port is startup-only and must be rejected.
	withNewPort := `
common:
  role: gs
  wlans: [wlan0]
  stats_port: 8080
freq_sel:
  score_frames: 3
  per_hop_min: 25
  per_hop_max: 80
mgmt:
  gs_port: 19999
  drone_port: 14888
  gs_addr: 10.5.0.1
  drone_addr: 10.5.0.2
`
	if err := os.WriteFile(path, []byte(withNewPort), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("reload should have been rejected for a startup-only field change")
	case <-time.After(500 * time.Millisecond):
		// expected: no reload delivered
	}
}
