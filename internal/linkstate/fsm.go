// Package linkstate implements the six-state link status machine shared
// by both peers (spec §4.3). Like the teacher's bfd FSM, this is a pure
// function over a transition table: no side effects, no Machine
// dependency, trivially testable against the spec's transition table.
package linkstate

import "github.com/sich-link/sich/internal/linkmodel"

// Event is a StateMachine input event.
type Event uint8

const (
	// EventArm is a local or peer-originated arm command.
	EventArm Event = iota
	// EventDisarm is a local or peer-originated disarm command.
	EventDisarm
	// EventPacketReceived fires on any Measurement, regardless of stream.
	EventPacketReceived
	// EventInitSuccess fires when the management init handshake completes.
	EventInitSuccess
	// EventColdStartTimeout fires when waiting's cold-start fallback
	// condition is met (stable traffic >=2s without a handshake, and
	// >=5s since entering waiting).
	EventColdStartTimeout
	// EventPacketTimeout fires when PACKET_TIMEOUT elapses without a
	// Measurement.
	EventPacketTimeout
	// EventLostToRecoveryTimeout fires when LOST_TO_RECOVERY_TIMEOUT
	// elapses in the lost state without a packet.
	EventLostToRecoveryTimeout
)

func (e Event) String() string {
	switch e {
	case EventArm:
		return "Arm"
	case EventDisarm:
		return "Disarm"
	case EventPacketReceived:
		return "PacketReceived"
	case EventInitSuccess:
		return "InitSuccess"
	case EventColdStartTimeout:
		return "ColdStartTimeout"
	case EventPacketTimeout:
		return "PacketTimeout"
	case EventLostToRecoveryTimeout:
		return "LostToRecoveryTimeout"
	default:
		return "Unknown"
	}
}

// Action is a side effect to execute after a transition. Actions are
// returned as part of Result and executed by the caller (Machine.apply);
// the FSM table itself is a pure function.
type Action uint8

const (
	// ActionScheduleLostHop schedules exactly one LocalOnly hop to the
	// first hop-list channel (spec's lost-entry side effect).
	ActionScheduleLostHop Action = iota
	// ActionCancelPendingHops cancels any outstanding reactive or
	// scheduled hop (fired alongside ActionScheduleLostHop, since lost
	// entry both cancels outstanding hops and schedules its own).
	ActionCancelPendingHops
	// ActionResetChannelsAndHopToReserve resets every channel's stats
	// and retunes to reserve (spec's recovery-entry side effect).
	ActionResetChannelsAndHopToReserve
	// ActionNotifyPowerPolicy tells PowerPolicy the link state changed.
	ActionNotifyPowerPolicy
	// ActionSetDiagTimeExpired records Diag=time-expired.
	ActionSetDiagTimeExpired
	// ActionSetDiagAdminDisarm records Diag=admin-disarm.
	ActionSetDiagAdminDisarm
	// ActionMarkEverEstablished sets hasEverEstablishedLink (monotonic,
	// never cleared).
	ActionMarkEverEstablished
)

func (a Action) String() string {
	switch a {
	case ActionScheduleLostHop:
		return "ScheduleLostHop"
	case ActionCancelPendingHops:
		return "CancelPendingHops"
	case ActionResetChannelsAndHopToReserve:
		return "ResetChannelsAndHopToReserve"
	case ActionNotifyPowerPolicy:
		return "NotifyPowerPolicy"
	case ActionSetDiagTimeExpired:
		return "SetDiagTimeExpired"
	case ActionSetDiagAdminDisarm:
		return "SetDiagAdminDisarm"
	case ActionMarkEverEstablished:
		return "MarkEverEstablished"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state linkmodel.LinkState
	event Event
}

type transition struct {
	newState linkmodel.LinkState
	actions  []Action
}

// fsmTable holds every uniform (state, event) -> (newState, actions)
// transition. lost's packet-received transition is NOT here because its
// destination depends on statusBeforeLost, a piece of Machine-owned
// context the pure table does not have -- ApplyEvent special-cases it
// below, exactly the way the spec calls it out as the one
// context-dependent transition.
var fsmTable = map[stateEvent]transition{
	{linkmodel.StateWaiting, EventInitSuccess}: {
		linkmodel.StateConnected,
		[]Action{ActionMarkEverEstablished, ActionNotifyPowerPolicy},
	},
	{linkmodel.StateWaiting, EventColdStartTimeout}: {
		linkmodel.StateConnected,
		[]Action{ActionMarkEverEstablished, ActionNotifyPowerPolicy},
	},
	{linkmodel.StateConnected, EventArm}: {
		linkmodel.StateArmed,
		[]Action{ActionNotifyPowerPolicy},
	},
	{linkmodel.StateConnected, EventDisarm}: {
		linkmodel.StateDisarmed,
		[]Action{ActionNotifyPowerPolicy, ActionSetDiagAdminDisarm},
	},
	{linkmodel.StateConnected, EventPacketTimeout}: {
		linkmodel.StateLost,
		[]Action{ActionCancelPendingHops, ActionScheduleLostHop, ActionSetDiagTimeExpired},
	},
	{linkmodel.StateArmed, EventDisarm}: {
		linkmodel.StateDisarmed,
		[]Action{ActionNotifyPowerPolicy, ActionSetDiagAdminDisarm},
	},
	{linkmodel.StateArmed, EventPacketTimeout}: {
		linkmodel.StateLost,
		[]Action{ActionCancelPendingHops, ActionScheduleLostHop, ActionSetDiagTimeExpired},
	},
	{linkmodel.StateDisarmed, EventArm}: {
		linkmodel.StateArmed,
		[]Action{ActionNotifyPowerPolicy},
	},
	{linkmodel.StateDisarmed, EventPacketTimeout}: {
		linkmodel.StateLost,
		[]Action{ActionCancelPendingHops, ActionScheduleLostHop, ActionSetDiagTimeExpired},
	},
	{linkmodel.StateLost, EventLostToRecoveryTimeout}: {
		linkmodel.StateRecovery,
		[]Action{ActionResetChannelsAndHopToReserve},
	},
	{linkmodel.StateRecovery, EventPacketReceived}: {
		linkmodel.StateConnected,
		[]Action{ActionNotifyPowerPolicy},
	},
}

// Result is the outcome of applying an event to a state.
type Result struct {
	OldState linkmodel.LinkState
	NewState linkmodel.LinkState
	Actions  []Action
	Changed  bool
}

// ApplyEvent is the pure transition function. statusBeforeLost is only
// consulted for (lost, EventPacketReceived); it is ignored otherwise.
// Unknown (state, event) pairs are silently ignored (Changed=false),
// mirroring the teacher's "unknown FSM action" tolerant default and
// spec §7's LogicAssertion policy of "no-op, never terminate".
func ApplyEvent(current linkmodel.LinkState, event Event, statusBeforeLost linkmodel.LinkState) Result {
	if current == linkmodel.StateLost && event == EventPacketReceived {
		target := statusBeforeLost
		if target != linkmodel.StateConnected && target != linkmodel.StateArmed && target != linkmodel.StateDisarmed {
			target = linkmodel.StateConnected
		}
		return Result{
			OldState: current,
			NewState: target,
			Actions:  []Action{ActionNotifyPowerPolicy},
			Changed:  true,
		}
	}

	t, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return Result{OldState: current, NewState: current, Changed: false}
	}

	return Result{
		OldState: current,
		NewState: t.newState,
		Actions:  t.actions,
		Changed:  true,
	}
}
