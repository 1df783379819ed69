// Package obsmetrics exposes sich's Prometheus metrics.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sich"
	subsystem = "link"
)

// Label names.
const (
	labelRole    = "role"
	labelFreq    = "freq"
	labelFrom    = "from_state"
	labelTo      = "to_state"
	labelStream  = "stream"
)

// Collector holds every sich Prometheus metric. Mirrors the teacher's
// bfdmetrics.Collector shape: one struct of GaugeVec/CounterVec fields,
// built by newMetrics and registered by NewCollector.
type Collector struct {
	// ChannelScore tracks the current 0-100 Score per channel.
	ChannelScore *prometheus.GaugeVec

	// ChannelPER tracks the current PER percentage per channel.
	ChannelPER *prometheus.GaugeVec

	// ChannelSNR tracks the current SNR (dB) per channel.
	ChannelSNR *prometheus.GaugeVec

	// ChannelRSSI tracks the current RSSI (dBm) per channel.
	ChannelRSSI *prometheus.GaugeVec

	// LinkState is 1 for the currently active LinkState label set, 0
	// otherwise -- the standard Prometheus "state as gauge per label"
	// idiom (mirrors the teacher's per-session gauge pattern).
	LinkState *prometheus.GaugeVec

	// StateTransitions counts StateMachine transitions, labeled
	// from_state/to_state for alerting on flaps.
	StateTransitions *prometheus.CounterVec

	// Hops counts completed HopController retunes, labeled by role.
	Hops *prometheus.CounterVec

	// HopFailures counts failed radio retune attempts (HardwareFailure).
	HopFailures *prometheus.CounterVec

	// MeasurementsDropped counts MetricsIngest records dropped due to
	// malformed structure (ProtocolViolation on the ingest path).
	MeasurementsDropped *prometheus.CounterVec

	// PowerLevel is the current TX power ladder index (drone only).
	PowerLevel prometheus.Gauge

	// PowerLastChange is the Unix timestamp of the last TX power change.
	PowerLastChange prometheus.Gauge
}

// NewCollector creates a Collector and registers it against reg. If reg
// is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ChannelScore,
		c.ChannelPER,
		c.ChannelSNR,
		c.ChannelRSSI,
		c.LinkState,
		c.StateTransitions,
		c.Hops,
		c.HopFailures,
		c.MeasurementsDropped,
		c.PowerLevel,
		c.PowerLastChange,
	)

	return c
}

func newMetrics() *Collector {
	channelLabels := []string{labelFreq}

	return &Collector{
		ChannelScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "channel_score", Help: "Current 0-100 channel quality score.",
		}, channelLabels),

		ChannelPER: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "channel_per_percent", Help: "Current channel packet error rate percentage.",
		}, channelLabels),

		ChannelSNR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "channel_snr_db", Help: "Current channel signal-to-noise ratio in dB.",
		}, channelLabels),

		ChannelRSSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "channel_rssi_dbm", Help: "Current channel received signal strength in dBm.",
		}, channelLabels),

		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "state", Help: "1 for the currently active link state, 0 otherwise.",
		}, []string{"state"}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "state_transitions_total", Help: "Total link state machine transitions.",
		}, []string{labelFrom, labelTo}),

		Hops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "hops_total", Help: "Total completed radio retunes.",
		}, []string{labelRole}),

		HopFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "hop_failures_total", Help: "Total failed radio retune attempts.",
		}, []string{labelRole}),

		MeasurementsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "measurements_dropped_total", Help: "Total malformed MetricsIngest records dropped.",
		}, []string{labelStream}),

		PowerLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "power",
			Name: "level_index", Help: "Current TX power ladder index (drone only).",
		}),

		PowerLastChange: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "power",
			Name: "last_change_timestamp_seconds", Help: "Unix timestamp of the last TX power change.",
		}),
	}
}

// SetChannelStats updates the per-channel gauges for freq.
func (c *Collector) SetChannelStats(freq string, score, per, snr, rssi float64) {
	c.ChannelScore.WithLabelValues(freq).Set(score)
	c.ChannelPER.WithLabelValues(freq).Set(per)
	c.ChannelSNR.WithLabelValues(freq).Set(snr)
	c.ChannelRSSI.WithLabelValues(freq).Set(rssi)
}

// allStates lists every LinkState label used by SetLinkState so it can
// zero out the previously active one.
var allStates = []string{"waiting", "connected", "armed", "disarmed", "lost", "recovery"}

// SetLinkState marks state as active (1) and every other state as
// inactive (0).
func (c *Collector) SetLinkState(state string) {
	for _, s := range allStates {
		if s == state {
			c.LinkState.WithLabelValues(s).Set(1)
		} else {
			c.LinkState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordStateTransition increments the transition counter for from->to.
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// IncHops increments the completed-hop counter for role.
func (c *Collector) IncHops(role string) {
	c.Hops.WithLabelValues(role).Inc()
}

// IncHopFailures increments the failed-hop counter for role.
func (c *Collector) IncHopFailures(role string) {
	c.HopFailures.WithLabelValues(role).Inc()
}

// IncMeasurementsDropped increments the dropped-record counter for stream.
func (c *Collector) IncMeasurementsDropped(stream string) {
	c.MeasurementsDropped.WithLabelValues(stream).Inc()
}

// RecordPowerChange updates the TX-power ladder gauges after a
// successful level change.
func (c *Collector) RecordPowerChange(levelIndex int, at time.Time) {
	c.PowerLevel.Set(float64(levelIndex))
	c.PowerLastChange.Set(float64(at.Unix()))
}
