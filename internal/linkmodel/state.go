package linkmodel

// LinkState is the six-state link status, symmetric on both peers.
type LinkState uint8

const (
	StateWaiting LinkState = iota
	StateConnected
	StateArmed
	StateDisarmed
	StateLost
	StateRecovery
)

func (s LinkState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateArmed:
		return "armed"
	case StateDisarmed:
		return "disarmed"
	case StateLost:
		return "lost"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// ParseLinkState maps a wire status name (as carried by init/set_status
// commands and heartbeat payloads) to a LinkState. All six status names
// are accepted; callers such as the set_status handler reject the ones
// that are not peer-synchronizable.
func ParseLinkState(name string) (LinkState, bool) {
	switch name {
	case "waiting":
		return StateWaiting, true
	case "connected":
		return StateConnected, true
	case "armed":
		return StateArmed, true
	case "disarmed":
		return StateDisarmed, true
	case "lost":
		return StateLost, true
	case "recovery":
		return StateRecovery, true
	default:
		return 0, false
	}
}

// Diag is a local diagnostic code recorded alongside every LinkState
// transition, mirroring BFD's per-transition LocalDiag idiom so an
// operator querying sichctl status always has a reason, not just a
// state name.
type Diag uint8

const (
	DiagNone Diag = iota
	DiagTimeExpired
	DiagNeighborLost
	DiagAdminDisarm
	DiagConfigError
)

func (d Diag) String() string {
	switch d {
	case DiagNone:
		return "none"
	case DiagTimeExpired:
		return "time-expired"
	case DiagNeighborLost:
		return "neighbor-lost"
	case DiagAdminDisarm:
		return "admin-disarm"
	case DiagConfigError:
		return "config-error"
	default:
		return "unknown"
	}
}
