package radio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/radio"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	failWlan string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, a := range args {
		if a == f.failWlan {
			return context.DeadlineExceeded
		}
	}
	return nil
}

func TestSwitchToSuccessUpdatesChannelSet(t *testing.T) {
	cs := linkmodel.NewChannelSet(5745, []linkmodel.Frequency{5700, 5720})
	target, _ := cs.Lookup(5700)

	runner := &fakeRunner{}
	tuner := radio.NewRadioTuner([]string{"wlan0", "wlan1"}, "gs", nil).WithRunner(runner)

	if err := tuner.SwitchTo(context.Background(), cs, target, 5, time.Unix(100, 0)); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	if cs.Current() != target {
		t.Error("Current() did not advance to target after successful switch")
	}
	if target.SwitchedAt().Unix() != 100 {
		t.Errorf("SwitchedAt() = %v, want unix 100", target.SwitchedAt())
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 2 {
		t.Errorf("len(calls) = %d, want 2 (one per wlan)", len(runner.calls))
	}
}

func TestSwitchToFailureLeavesChannelSetUnchanged(t *testing.T) {
	cs := linkmodel.NewChannelSet(5745, []linkmodel.Frequency{5700, 5720})
	target, _ := cs.Lookup(5700)
	before := cs.Current()

	runner := &fakeRunner{failWlan: "wlan0"}
	tuner := radio.NewRadioTuner([]string{"wlan0"}, "gs", nil).WithRunner(runner)

	if err := tuner.SwitchTo(context.Background(), cs, target, 5, time.Now()); err == nil {
		t.Fatal("SwitchTo() = nil error, want failure propagated")
	}

	if cs.Current() != before {
		t.Error("Current() changed despite a failed retune")
	}
}
