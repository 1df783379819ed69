package linkstate_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/linkstate"
)

// TestScenarioAColdStart mirrors spec scenario A: cold start, link becomes
// healthy without an init handshake completing in time.
func TestScenarioAColdStart(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := linkstate.New(clock, nil, linkstate.Callbacks{})

	if !m.IsColdStart() {
		t.Fatal("IsColdStart() = false immediately after construction, want true")
	}

	clock.Advance(1 * time.Second)
	m.OnPacketArrival(clock.Now())

	clock.Advance(3 * time.Second)
	m.OnPacketArrival(clock.Now())

	m.Tick(clock.Now())
	if got := m.Current(); got != linkmodel.StateWaiting {
		t.Fatalf("Current() = %v, want waiting (only 4s since enter)", got)
	}

	clock.Advance(2 * time.Second)
	m.OnPacketArrival(clock.Now())
	m.Tick(clock.Now())

	if got := m.Current(); got != linkmodel.StateConnected {
		t.Fatalf("Current() = %v, want connected after cold-start fallback", got)
	}
	if !m.HasEverEstablishedLink() {
		t.Error("HasEverEstablishedLink() = false after first transition out of waiting")
	}
}

// TestScenarioCLinkLossAndRecovery mirrors spec scenario C.
func TestScenarioCLinkLossAndRecovery(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var scheduledLostHop, resetToReserve int

	m := linkstate.New(clock, nil, linkstate.Callbacks{
		ScheduleLostHop:              func() { scheduledLostHop++ },
		ResetChannelsAndHopToReserve: func() { resetToReserve++ },
	})

	m.OnInitSuccess(clock.Now())
	m.OnArm(clock.Now())
	if got := m.Current(); got != linkmodel.StateArmed {
		t.Fatalf("Current() = %v, want armed", got)
	}

	clock.Advance(5 * time.Second)
	m.Tick(clock.Now())
	if got := m.Current(); got != linkmodel.StateLost {
		t.Fatalf("Current() = %v, want lost after 5s packet timeout", got)
	}
	if scheduledLostHop != 1 {
		t.Errorf("scheduledLostHop = %d, want 1", scheduledLostHop)
	}

	clock.Advance(10 * time.Second)
	m.Tick(clock.Now())
	if got := m.Current(); got != linkmodel.StateRecovery {
		t.Fatalf("Current() = %v, want recovery after 10s in lost", got)
	}
	if resetToReserve != 1 {
		t.Errorf("resetToReserve = %d, want 1", resetToReserve)
	}

	clock.Advance(75 * time.Second)
	m.OnPacketArrival(clock.Now())
	if got := m.Current(); got != linkmodel.StateConnected {
		t.Fatalf("Current() = %v, want connected: recovery treats the peer as possibly rebooted, not re-armed", got)
	}
}

// TestInvariantHasEverEstablishedLinkMonotonic covers spec invariant 7.
func TestInvariantHasEverEstablishedLinkMonotonic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := linkstate.New(clock, nil, linkstate.Callbacks{})

	m.OnInitSuccess(clock.Now())
	m.OnDisarm(clock.Now()) // connected -> disarmed, unrelated transition

	if !m.HasEverEstablishedLink() {
		t.Fatal("HasEverEstablishedLink() = false after reaching an active state")
	}

	clock.Advance(5 * time.Second)
	m.Tick(clock.Now()) // disarmed -> lost
	clock.Advance(10 * time.Second)
	m.Tick(clock.Now()) // lost -> recovery

	if !m.HasEverEstablishedLink() {
		t.Fatal("HasEverEstablishedLink() cleared by a later transition, want monotonic true")
	}
}
