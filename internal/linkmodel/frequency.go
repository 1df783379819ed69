// Package linkmodel defines the shared data types passed between sich's
// components: frequencies, measurements, channels, the channel set, and
// link state. Components read and write these types through injected
// callbacks (see internal/orchestrator) rather than reaching for globals.
package linkmodel

import "fmt"

// Frequency is a Wi-Fi frequency in MHz.
type Frequency int

// ChannelToMHz converts a Wi-Fi channel number to its MHz frequency.
// Values already above 2000 are assumed to be MHz and are returned
// unchanged, matching the wire convention used by iw and by wfb_ng's
// config (wifi_channel may be given as either a channel number or a raw
// frequency).
func ChannelToMHz(channel int) Frequency {
	switch {
	case channel > 2000:
		return Frequency(channel)
	case channel >= 1 && channel <= 13:
		return Frequency(2407 + channel*5)
	case channel == 14:
		return Frequency(2484)
	case channel >= 36 && channel <= 64:
		return Frequency(5000 + channel*5)
	case channel >= 100 && channel <= 144:
		return Frequency(5000 + channel*5)
	case channel >= 149 && channel <= 177:
		return Frequency(5000 + channel*5)
	default:
		return Frequency(channel)
	}
}

// IsChannelNumber reports whether f should be retuned using the
// channel-number flavor of the iw command rather than the frequency
// flavor. Per spec: frequencies above 2000 always use the frequency
// flavor.
func (f Frequency) IsChannelNumber() bool {
	return int(f) <= 2000
}

func (f Frequency) String() string {
	return fmt.Sprintf("%dMHz", int(f))
}

// StreamID identifies one of the three logical flows carried over the
// radio link.
type StreamID int

const (
	StreamVideo StreamID = iota
	StreamMAVLink
	StreamTunnel
)

func (s StreamID) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamMAVLink:
		return "mavlink"
	case StreamTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// ParseStreamID maps a wfb_rx stream id (with the trailing " rx" already
// stripped) to a StreamID. Unknown ids are rejected by the caller.
func ParseStreamID(id string) (StreamID, bool) {
	switch id {
	case "video":
		return StreamVideo, true
	case "mavlink":
		return StreamMAVLink, true
	case "tunnel":
		return StreamTunnel, true
	default:
		return 0, false
	}
}

// Role is which side of the link a process is running as. It is fixed
// for the process's lifetime.
type Role int

const (
	RoleGS Role = iota
	RoleDrone
)

func (r Role) String() string {
	if r == RoleDrone {
		return "drone"
	}
	return "gs"
}
