package power_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/power"
)

type fakeRunner struct {
	calls []string
	fail  bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.calls = append(f.calls, name+" "+joinArgs(args))
	if f.fail {
		return errTest
	}
	return nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeMetrics struct {
	lastIndex int
	calls     int
}

func (f *fakeMetrics) RecordPowerChange(levelIndex int, _ time.Time) {
	f.lastIndex = levelIndex
	f.calls++
}

func newTestPolicy(enabled bool) (*power.Policy, *fakeRunner, clockwork.FakeClock) {
	runner := &fakeRunner{}
	clock := clockwork.NewFakeClock()
	p := power.New([]string{"wlan0"}, []int{100, 200, 300}, enabled, nil).
		WithRunner(runner).
		WithClock(clock).
		WithMinChangeInterval(1 * time.Second)
	return p, runner, clock
}

func TestStartDisabledPinsMax(t *testing.T) {
	t.Parallel()
	p, runner, _ := newTestPolicy(false)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != power.StateDisabled {
		t.Fatalf("State = %v, want disabled", p.State())
	}
	if p.LevelIndex() != 2 {
		t.Fatalf("LevelIndex = %d, want 2 (max)", p.LevelIndex())
	}
	if len(runner.calls) != 1 || runner.calls[0] != "iw dev wlan0 set txpower fixed 300" {
		t.Fatalf("calls = %v", runner.calls)
	}
}

func TestStartEnabledPinsMin(t *testing.T) {
	t.Parallel()
	p, runner, _ := newTestPolicy(true)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != power.StateLocked {
		t.Fatalf("State = %v, want locked", p.State())
	}
	if p.LevelIndex() != 0 {
		t.Fatalf("LevelIndex = %d, want 0 (min)", p.LevelIndex())
	}
	if len(runner.calls) != 1 || runner.calls[0] != "iw dev wlan0 set txpower fixed 100" {
		t.Fatalf("calls = %v", runner.calls)
	}
}

func TestOnLinkStateChangedArmedEntersActiveAdjustmentAtMax(t *testing.T) {
	t.Parallel()
	p, runner, _ := newTestPolicy(true)
	ctx := context.Background()

	p.OnLinkStateChanged(ctx, linkmodel.StateArmed)

	if p.State() != power.StateActiveAdjustment {
		t.Fatalf("State = %v, want active-adjustment", p.State())
	}
	if p.LevelIndex() != 2 {
		t.Fatalf("LevelIndex = %d, want 2 (max)", p.LevelIndex())
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %v, want exactly one iw invocation", runner.calls)
	}
}

func TestOnLinkStateChangedDisarmedEntersLockedAtMin(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPolicy(true)
	ctx := context.Background()

	p.OnLinkStateChanged(ctx, linkmodel.StateArmed) // move off the initial Locked/min first
	p.OnLinkStateChanged(ctx, linkmodel.StateDisarmed)

	if p.State() != power.StateLocked {
		t.Fatalf("State = %v, want locked", p.State())
	}
	if p.LevelIndex() != 0 {
		t.Fatalf("LevelIndex = %d, want 0 (min)", p.LevelIndex())
	}
}

func TestOnLinkStateChangedDisabledIsNoOp(t *testing.T) {
	t.Parallel()
	p, runner, _ := newTestPolicy(false)
	ctx := context.Background()

	p.OnLinkStateChanged(ctx, linkmodel.StateArmed)
	p.OnLinkStateChanged(ctx, linkmodel.StateDisarmed)

	if p.State() != power.StateDisabled {
		t.Fatalf("State = %v, want disabled", p.State())
	}
	if len(runner.calls) != 0 {
		t.Fatalf("calls = %v, want none (disabled ignores link-state events)", runner.calls)
	}
}

func TestAdjustRejectedOutsideActiveAdjustment(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPolicy(true) // starts in Locked

	err := p.Adjust(context.Background(), "increase")
	if err != power.ErrNotAdjustable {
		t.Fatalf("Adjust() err = %v, want ErrNotAdjustable", err)
	}
}

func TestAdjustIncreaseDecreaseAndThrottle(t *testing.T) {
	t.Parallel()
	p, runner, clock := newTestPolicy(true)
	ctx := context.Background()

	p.OnLinkStateChanged(ctx, linkmodel.StateArmed) // -> active-adjustment, index 2 (max)
	runner.calls = nil

	// Starting at max, one decrease moves down one step.
	if err := p.Adjust(ctx, "decrease"); err != nil {
		t.Fatalf("Adjust(decrease): %v", err)
	}
	if p.LevelIndex() != 1 {
		t.Fatalf("LevelIndex = %d, want 1 after one decrease from max", p.LevelIndex())
	}

	// Immediate second adjust is throttled.
	if err := p.Adjust(ctx, "decrease"); err != power.ErrThrottled {
		t.Fatalf("Adjust(decrease) err = %v, want ErrThrottled", err)
	}
	if p.LevelIndex() != 1 {
		t.Fatalf("LevelIndex = %d, want unchanged at 1 after throttled call", p.LevelIndex())
	}

	clock.Advance(1100 * time.Millisecond)
	if err := p.Adjust(ctx, "decrease"); err != nil {
		t.Fatalf("Adjust(decrease) after cooldown: %v", err)
	}
	if p.LevelIndex() != 0 {
		t.Fatalf("LevelIndex = %d, want 0", p.LevelIndex())
	}

	// Floor: another decrease at index 0 stays at 0 (but is still
	// throttled until the interval passes again).
	clock.Advance(1100 * time.Millisecond)
	if err := p.Adjust(ctx, "decrease"); err != nil {
		t.Fatalf("Adjust(decrease) at floor: %v", err)
	}
	if p.LevelIndex() != 0 {
		t.Fatalf("LevelIndex = %d, want 0 (floor)", p.LevelIndex())
	}
}

func TestSetLevelReportsMetrics(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPolicy(true)
	metrics := &fakeMetrics{}
	p.WithMetrics(metrics)

	p.OnLinkStateChanged(context.Background(), linkmodel.StateConnected)

	if metrics.calls == 0 {
		t.Fatal("RecordPowerChange was never called")
	}
	if metrics.lastIndex != 2 {
		t.Fatalf("lastIndex = %d, want 2 (max, connected -> active-adjustment)", metrics.lastIndex)
	}
}

func TestSetLevelFailurePropagatesAndLeavesIndexUnchanged(t *testing.T) {
	t.Parallel()
	p, runner, _ := newTestPolicy(true)
	runner.fail = true

	p.OnLinkStateChanged(context.Background(), linkmodel.StateArmed)

	if p.State() != power.StateActiveAdjustment {
		t.Fatalf("State = %v, want active-adjustment even though the iw call failed (state still transitions)", p.State())
	}
	if p.LevelIndex() != 0 {
		t.Fatalf("LevelIndex = %d, want unchanged at 0 since setLevel failed", p.LevelIndex())
	}
}
