package orchestrator_test

import (
	"context"
	"testing"

	"github.com/sich-link/sich/internal/config"
	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/mgmt"
	"github.com/sich-link/sich/internal/orchestrator"
)

// testConfig returns a valid, loopback-only Config for role, using
// distinct high ports per test to avoid clashing with any other test's
// sockets (New doesn't bind anything itself, but keeping ports unique
// future-proofs against tests that do call Run).
func testConfig(t *testing.T, role string, statsPort, gsPort, dronePort, hbGS, hbDrone int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Common.Role = role
	cfg.Common.Wlans = []string{"wlan0"}
	cfg.Common.WifiChannel = 149
	cfg.Common.StatsPort = statsPort
	cfg.Common.PowerSelEnabled = true
	cfg.Common.PowerSelLevels = []int{1000, 2000, 3000}
	cfg.FreqSel.Channels = []int{1, 6, 11}
	cfg.Mgmt.GSAddr = "127.0.0.1"
	cfg.Mgmt.DroneAddr = "127.0.0.1"
	cfg.Mgmt.GSPort = gsPort
	cfg.Mgmt.DronePort = dronePort
	cfg.Mgmt.HeartbeatGSPort = hbGS
	cfg.Mgmt.HeartbeatDronePort = hbDrone
	return cfg
}

func newGS(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(testConfig(t, "gs", 19180, 19181, 19182, 19183, 19184), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func newDrone(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(testConfig(t, "drone", 19280, 19281, 19282, 19283, 19284), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestNewStartsInWaitingWithRoleAppropriatePower(t *testing.T) {
	t.Parallel()

	gs := newGS(t)
	if gs.Status() != "waiting" {
		t.Fatalf("gs Status() = %q, want waiting", gs.Status())
	}
	resp := gs.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandTXPower, Action: "increase"})
	if resp.IsSuccess() {
		t.Fatal("tx_power on GS should be rejected (drone-only)")
	}

	drone := newDrone(t)
	if drone.Status() != "waiting" {
		t.Fatalf("drone Status() = %q, want waiting", drone.Status())
	}
}

func TestHandleInitFromWaitingTransitionsToConnected(t *testing.T) {
	t.Parallel()
	drone := newDrone(t)

	resp := drone.HandleCommand(context.Background(), mgmt.Command{
		Command: mgmt.CommandInit,
		FreqSel: &mgmt.FreqSelInit{Enabled: true},
		Status:  "waiting",
	})
	if !resp.IsSuccess() {
		t.Fatalf("init response = %+v, want success", resp)
	}
	if drone.Status() != "connected" {
		t.Fatalf("Status() = %q, want connected", drone.Status())
	}
}

func TestHandleSetStatusArmThenDisarm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drone := newDrone(t)

	if resp := drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandInit, Status: "waiting"}); !resp.IsSuccess() {
		t.Fatalf("init: %+v", resp)
	}
	if drone.Status() != "connected" {
		t.Fatalf("Status() after init = %q, want connected", drone.Status())
	}

	resp := drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandSetStatus, Status: "armed"})
	if !resp.IsSuccess() {
		t.Fatalf("set_status(armed) = %+v, want success", resp)
	}
	if drone.Status() != "armed" {
		t.Fatalf("Status() = %q, want armed", drone.Status())
	}

	resp = drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandSetStatus, Status: "disarmed"})
	if !resp.IsSuccess() {
		t.Fatalf("set_status(disarmed) = %+v, want success", resp)
	}
	if drone.Status() != "disarmed" {
		t.Fatalf("Status() = %q, want disarmed", drone.Status())
	}
}

func TestHandleSetStatusRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	drone := newDrone(t)

	resp := drone.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandSetStatus, Status: "bogus"})
	if resp.IsSuccess() {
		t.Fatal("set_status with an unknown status should be rejected")
	}
}

func TestHandleFreqSelHopRejectedOnGS(t *testing.T) {
	t.Parallel()
	gs := newGS(t)

	resp := gs.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandFreqSelHop})
	if resp.IsSuccess() {
		t.Fatal("freq_sel_hop should only be handled by the drone responder")
	}
}

func TestHandleFreqSelHopOnDroneReturnsTime(t *testing.T) {
	t.Parallel()
	drone := newDrone(t)

	resp := drone.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandFreqSelHop})
	if !resp.IsSuccess() {
		t.Fatalf("freq_sel_hop = %+v, want success", resp)
	}
	if resp.Time == nil {
		t.Fatal("freq_sel_hop success response must carry a time")
	}
}

func TestHandleUpdateConfigAcknowledges(t *testing.T) {
	t.Parallel()
	gs := newGS(t)

	resp := gs.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandUpdateConfig})
	if !resp.IsSuccess() {
		t.Fatalf("update_config = %+v, want success", resp)
	}
}

func TestHandleUnknownCommandIsRejected(t *testing.T) {
	t.Parallel()
	gs := newGS(t)

	resp := gs.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandName("bogus")})
	if resp.IsSuccess() {
		t.Fatal("unknown commands should be rejected")
	}
}

func TestTXPowerAdjustRejectedBeforeActiveAdjustment(t *testing.T) {
	t.Parallel()
	drone := newDrone(t)

	// PowerPolicy starts Locked (power_sel_enabled=true); tx_power is
	// only accepted in ActiveAdjustment, entered on arm/connected.
	resp := drone.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandTXPower, Action: "increase"})
	if resp.IsSuccess() {
		t.Fatal("tx_power should be rejected outside active-adjustment")
	}
}

func TestTXPowerAdjustThrottledImmediatelyAfterArmEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	drone := newDrone(t)

	if resp := drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandInit, Status: "waiting"}); !resp.IsSuccess() {
		t.Fatalf("init: %+v", resp)
	}
	if resp := drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandSetStatus, Status: "armed"}); !resp.IsSuccess() {
		t.Fatalf("arm: %+v", resp)
	}

	// Entry into active-adjustment already pinned max and stamped
	// lastChange; an external tx_power arriving within the same instant
	// is throttled rather than accepted, per PowerPolicy's throttle
	// window (spec §4.7).
	resp := drone.HandleCommand(ctx, mgmt.Command{Command: mgmt.CommandTXPower, Action: "decrease"})
	if resp.IsSuccess() {
		t.Fatal("tx_power immediately after arm should be throttled, not accepted")
	}
}

func TestQueryStatusReportsSnapshot(t *testing.T) {
	t.Parallel()
	drone := newDrone(t)

	resp := drone.HandleCommand(context.Background(), mgmt.Command{Command: mgmt.CommandQueryStatus})
	if !resp.IsSuccess() {
		t.Fatalf("query_status = %+v, want success", resp)
	}
	snap := resp.Snapshot
	if snap == nil {
		t.Fatal("query_status response missing snapshot")
	}
	if snap.Role != "drone" {
		t.Errorf("Role = %q, want drone", snap.Role)
	}
	if snap.LinkState != "waiting" {
		t.Errorf("LinkState = %q, want waiting", snap.LinkState)
	}
	if snap.PowerState != "locked" {
		t.Errorf("PowerState = %q, want locked", snap.PowerState)
	}
}

func TestChannelReflectsConfiguredReserveAtStartup(t *testing.T) {
	t.Parallel()
	gs := newGS(t)

	if got, want := gs.Channel(), linkmodel.ChannelToMHz(149); got != want {
		t.Fatalf("Channel() = %v, want %v (reserve)", got, want)
	}
}

func TestLocalViewAndScoreAreUnsetBeforeAnyTick(t *testing.T) {
	t.Parallel()
	gs := newGS(t)

	if _, ok := gs.Score(); ok {
		t.Fatal("Score() should report ok=false before any tick has run")
	}
	if view := gs.LocalView(); view != (gs.LocalView()) {
		t.Fatal("LocalView() should be stable when called twice with no intervening tick")
	}
}
