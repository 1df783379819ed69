package linkstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sich-link/sich/internal/linkmodel"
)

// Timing constants from spec §4.3/§4.4.
const (
	PacketTimeout            = 5 * time.Second
	LostToRecoveryTimeout    = 10 * time.Second
	ColdStartMinSinceEnter   = 5 * time.Second
	ColdStartMinStableTraffic = 2 * time.Second
)

// Callbacks lets Machine reach into HopController and PowerPolicy
// without a back-pointer, per the spec's "no global singletons" design
// note: the Orchestrator wires these as typed callbacks at construction.
// Any nil callback is simply skipped.
type Callbacks struct {
	// ScheduleLostHop is invoked on entry into lost from an active
	// state: schedule exactly one LocalOnly hop to the first hop-list
	// channel.
	ScheduleLostHop func()

	// CancelPendingHops is invoked alongside ScheduleLostHop: cancel any
	// outstanding reactive or scheduled hop.
	CancelPendingHops func()

	// ResetChannelsAndHopToReserve is invoked on entry into recovery:
	// reset every channel's stats and LocalOnly-retune to reserve.
	ResetChannelsAndHopToReserve func()

	// PowerPolicyChanged is invoked on every transition so PowerPolicy
	// can re-evaluate its own state (spec §4.7).
	PowerPolicyChanged func(linkmodel.LinkState)

	// Transition is invoked on every successful transition, primarily
	// for metrics/logging/heartbeat-payload consumers.
	Transition func(Result)
}

// Machine is the stateful StateMachine: a thin wrapper around the pure
// ApplyEvent table that owns the timing state (lastPacketTime,
// lostSince, hasEverEstablishedLink) and fires Callbacks. Per spec §5,
// StateMachine transitions are strictly serial -- Machine is designed to
// be driven exclusively from its owning peer's single event-loop
// goroutine (see internal/orchestrator); the mutex here exists only to
// let external readers (sichctl, the Prometheus exporter) snapshot state
// without racing that goroutine.
type Machine struct {
	mu sync.Mutex

	clock  clockwork.Clock
	logger *slog.Logger
	cb     Callbacks

	current          linkmodel.LinkState
	statusBeforeLost linkmodel.LinkState
	diag             linkmodel.Diag
	hasEverEstablishedLink bool

	enteredWaitingAt    time.Time
	firstPacketInWaiting time.Time
	lastPacketTime      time.Time
	lostSince           time.Time
}

// New constructs a Machine starting in waiting, per spec §4.3's initial
// state.
func New(clock clockwork.Clock, logger *slog.Logger, cb Callbacks) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Machine{
		clock:            clock,
		logger:           logger,
		cb:               cb,
		current:          linkmodel.StateWaiting,
		enteredWaitingAt: now,
	}
}

// Current returns the current LinkState.
func (m *Machine) Current() linkmodel.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Diag returns the last recorded diagnostic code.
func (m *Machine) Diag() linkmodel.Diag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diag
}

// HasEverEstablishedLink reports whether the link has ever reached an
// active state. Monotonic: never false again once true.
func (m *Machine) HasEverEstablishedLink() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasEverEstablishedLink
}

// IsColdStart implements spec's is_cold_start() predicate.
func (m *Machine) IsColdStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == linkmodel.StateWaiting && !m.hasEverEstablishedLink
}

// IsAfterLinkLoss implements spec's is_after_link_loss() predicate.
func (m *Machine) IsAfterLinkLoss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == linkmodel.StateLost || m.current == linkmodel.StateRecovery
}

// OnPacketArrival records a Measurement's arrival, regardless of stream,
// and applies EventPacketReceived when that event is meaningful (lost,
// recovery).
func (m *Machine) OnPacketArrival(now time.Time) {
	m.mu.Lock()
	if m.current == linkmodel.StateWaiting && m.firstPacketInWaiting.IsZero() {
		m.firstPacketInWaiting = now
	}
	m.lastPacketTime = now
	m.mu.Unlock()

	m.apply(EventPacketReceived, now)
}

// OnInitSuccess applies the management init handshake's EventInitSuccess.
func (m *Machine) OnInitSuccess(now time.Time) { m.apply(EventInitSuccess, now) }

// OnArm applies a local or peer-originated arm command.
func (m *Machine) OnArm(now time.Time) { m.apply(EventArm, now) }

// OnDisarm applies a local or peer-originated disarm command.
func (m *Machine) OnDisarm(now time.Time) { m.apply(EventDisarm, now) }

// Tick drives the 1 Hz timer-based transitions: cold-start fallback,
// packet timeout, and lost-to-recovery timeout. lastPacketTime is
// updated by OnPacketArrival independent of Tick.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	state := m.current
	enteredWaiting := m.enteredWaitingAt
	firstPacket := m.firstPacketInWaiting
	lastPacket := m.lastPacketTime
	lostSince := m.lostSince
	m.mu.Unlock()

	switch state {
	case linkmodel.StateWaiting:
		if !firstPacket.IsZero() &&
			now.Sub(enteredWaiting) >= ColdStartMinSinceEnter &&
			now.Sub(firstPacket) >= ColdStartMinStableTraffic &&
			now.Sub(lastPacket) < PacketTimeout {
			m.apply(EventColdStartTimeout, now)
		}
	case linkmodel.StateConnected, linkmodel.StateArmed, linkmodel.StateDisarmed:
		if !lastPacket.IsZero() && now.Sub(lastPacket) >= PacketTimeout {
			m.apply(EventPacketTimeout, now)
		}
	case linkmodel.StateLost:
		if now.Sub(lostSince) >= LostToRecoveryTimeout {
			m.apply(EventLostToRecoveryTimeout, now)
		}
	case linkmodel.StateRecovery:
		// No further hops; wait indefinitely for a packet.
	}
}

// apply runs ApplyEvent, updates Machine's owned bookkeeping, and fires
// callbacks for the resulting actions. This is the only place current
// is mutated.
func (m *Machine) apply(event Event, now time.Time) {
	m.mu.Lock()
	current := m.current
	statusBeforeLost := m.statusBeforeLost
	m.mu.Unlock()

	result := ApplyEvent(current, event, statusBeforeLost)
	if !result.Changed {
		return
	}

	m.mu.Lock()
	m.current = result.NewState
	if result.NewState == linkmodel.StateLost {
		m.statusBeforeLost = result.OldState
		m.lostSince = now
	}
	if result.NewState == linkmodel.StateWaiting {
		m.enteredWaitingAt = now
		m.firstPacketInWaiting = time.Time{}
	}
	if result.NewState != linkmodel.StateWaiting && current == linkmodel.StateWaiting {
		m.hasEverEstablishedLink = true
		if m.lastPacketTime.IsZero() {
			// A link established by the init handshake before any packet
			// arrived starts its packet-timeout window now.
			m.lastPacketTime = now
		}
	}
	m.mu.Unlock()

	for _, action := range result.Actions {
		m.executeAction(action)
	}

	if m.logger != nil {
		m.logger.Info("link state transition",
			slog.String("from", result.OldState.String()),
			slog.String("to", result.NewState.String()),
			slog.String("event", event.String()),
		)
	}

	if m.cb.Transition != nil {
		m.cb.Transition(result)
	}
	if m.cb.PowerPolicyChanged != nil {
		m.cb.PowerPolicyChanged(result.NewState)
	}
}

func (m *Machine) executeAction(action Action) {
	switch action {
	case ActionScheduleLostHop:
		if m.cb.ScheduleLostHop != nil {
			m.cb.ScheduleLostHop()
		}
	case ActionCancelPendingHops:
		if m.cb.CancelPendingHops != nil {
			m.cb.CancelPendingHops()
		}
	case ActionResetChannelsAndHopToReserve:
		if m.cb.ResetChannelsAndHopToReserve != nil {
			m.cb.ResetChannelsAndHopToReserve()
		}
	case ActionNotifyPowerPolicy:
		// Handled uniformly above via cb.PowerPolicyChanged for every
		// transition; this action exists in the table for documentation
		// parity with the spec's transition table.
	case ActionSetDiagTimeExpired:
		m.mu.Lock()
		m.diag = linkmodel.DiagTimeExpired
		m.mu.Unlock()
	case ActionSetDiagAdminDisarm:
		m.mu.Lock()
		m.diag = linkmodel.DiagAdminDisarm
		m.mu.Unlock()
	case ActionMarkEverEstablished:
		// Already applied unconditionally above on any exit from
		// waiting; kept here for documentation parity too.
	default:
		if m.logger != nil {
			m.logger.Warn("unknown state machine action", slog.Any("action", action))
		}
	}
}
