package cliclient_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sich-link/sich/internal/cliclient"
	"github.com/sich-link/sich/internal/config"
	"github.com/sich-link/sich/internal/orchestrator"
)

// basePort offsets are spaced 20 apart per test so concurrent t.Parallel
// instances never contend for the same loopback socket.
func startTestDrone(t *testing.T, basePort int) (*orchestrator.Orchestrator, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Common.Role = "drone"
	cfg.Common.Wlans = []string{"wlan0"}
	cfg.Common.WifiChannel = 149
	cfg.Common.StatsPort = basePort
	cfg.Common.PowerSelEnabled = true
	cfg.Common.PowerSelLevels = []int{1000, 2000, 3000}
	cfg.FreqSel.Channels = []int{1, 6, 11}
	cfg.Mgmt.GSAddr, cfg.Mgmt.DroneAddr = "127.0.0.1", "127.0.0.1"
	cfg.Mgmt.GSPort, cfg.Mgmt.DronePort = basePort+1, basePort+2
	cfg.Mgmt.HeartbeatGSPort, cfg.Mgmt.HeartbeatDronePort = basePort+3, basePort+4
	cfg.Mgmt.ControlAddr = fmt.Sprintf("127.0.0.1:%d", basePort+5)

	o, err := orchestrator.New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(cancel)

	return o, cfg.Mgmt.ControlAddr
}

// waitForControlPort retries until the control listener is accepting
// connections, since Run's goroutines start asynchronously.
func waitForControlPort(t *testing.T, client *cliclient.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := client.Status(ctx)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("control port never became reachable")
}

func TestStatusReportsSnapshot(t *testing.T) {
	t.Parallel()
	_, addr := startTestDrone(t, 19380)
	client := cliclient.New(addr)
	waitForControlPort(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	snap, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Role != "drone" {
		t.Errorf("Role = %q, want drone", snap.Role)
	}
	if snap.LinkState != "waiting" {
		t.Errorf("LinkState = %q, want waiting", snap.LinkState)
	}
}

func TestArmAndDisarmAreAcknowledged(t *testing.T) {
	t.Parallel()
	_, addr := startTestDrone(t, 19400)
	client := cliclient.New(addr)
	waitForControlPort(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// arm/disarm reaching the daemon while it is still waiting (no
	// GS<->drone handshake has completed in this test) are no-ops per
	// the state machine's tolerant-unknown-transition policy, but
	// still round-trip as acknowledged commands over the control port.
	if err := client.Arm(ctx); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := client.Disarm(ctx); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
}

func TestFreqSelHopOnDroneReturnsTime(t *testing.T) {
	t.Parallel()
	_, addr := startTestDrone(t, 19420)
	client := cliclient.New(addr)
	waitForControlPort(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	when, err := client.TriggerFreqSelHop(ctx)
	if err != nil {
		t.Fatalf("TriggerFreqSelHop: %v", err)
	}
	if when.IsZero() {
		t.Fatal("TriggerFreqSelHop returned a zero time")
	}
}

func TestAdjustTXPowerRejectedOutsideActiveAdjustment(t *testing.T) {
	t.Parallel()
	_, addr := startTestDrone(t, 19440)
	client := cliclient.New(addr)
	waitForControlPort(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.AdjustTXPower(ctx, "increase"); err == nil {
		t.Fatal("AdjustTXPower should fail while the drone is still waiting (power starts locked)")
	}
}

func TestPushConfigAcknowledges(t *testing.T) {
	t.Parallel()
	_, addr := startTestDrone(t, 19460)
	client := cliclient.New(addr)
	waitForControlPort(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.PushConfig(ctx, map[string]map[string]any{"freq_sel": {"enabled": true}}); err != nil {
		t.Fatalf("PushConfig: %v", err)
	}
}
