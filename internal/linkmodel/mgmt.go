package linkmodel

// HopRequest is a transient in-flight ScheduledGS2Drone operation
// carrying the agreed wall-clock action time.
type HopRequest struct {
	Target *Channel
}

// HopResponse carries the agreed action time (wall-clock seconds since
// the Unix epoch, as on the wire) back to the initiator, or an error.
type HopResponse struct {
	Success    bool
	ActionTime float64
	Error      string
}
