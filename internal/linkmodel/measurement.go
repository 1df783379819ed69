package linkmodel

import "time"

// Measurement is one second of per-stream receive statistics, already
// delta-computed by MetricsIngest.
//
// Invariant: PacketsBad <= PacketsTotal always holds, even across a
// counter regression (receiver restart or rollover) — see
// internal/ingest's delta computation.
type Measurement struct {
	Stream       StreamID
	PacketsTotal uint64
	PacketsBad   uint64
	RSSI         int // dBm, typically negative
	SNR          int // dB, non-negative
	At           time.Time
}

// CounterSample is the raw cumulative counters for one stream as reported
// on the wire, used by MetricsIngest to compute the deltas that become a
// Measurement.
type CounterSample struct {
	All    uint64
	Lost   uint64
	DecErr uint64
}

// Delta computes (total, bad) for the transition from prev to cur,
// applying the wrap-recovery rule: if the wire counter regressed (cur <
// prev), the absolute current counter is emitted instead of a negative
// delta, since that indicates a receiver restart or 64-bit rollover
// rather than a partial second. All arithmetic is unsigned to avoid
// signed overflow undefined behavior on the comparison (see spec's
// Counter arithmetic design note).
func Delta(prev, cur CounterSample) (total, bad uint64) {
	if cur.All < prev.All {
		total = cur.All
		bad = cur.Lost + cur.DecErr
		if bad > total {
			bad = total
		}
		return total, bad
	}

	total = cur.All - prev.All

	var deltaLost, deltaDecErr uint64
	if cur.Lost >= prev.Lost {
		deltaLost = cur.Lost - prev.Lost
	}
	if cur.DecErr >= prev.DecErr {
		deltaDecErr = cur.DecErr - prev.DecErr
	}
	bad = deltaLost + deltaDecErr

	if bad > total {
		bad = total
	}
	return total, bad
}
