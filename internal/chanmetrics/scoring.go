// Package chanmetrics computes PER, SNR, RSSI, and the aggregate Score
// for a linkmodel.Channel from its recent measurement windows (spec
// §4.2).
package chanmetrics

import (
	"math"

	"github.com/sich-link/sich/internal/linkmodel"
)

// Tuning holds the scoring weights and thresholds, sourced from
// internal/config.FreqSelConfig so operators can override them without
// a rebuild (see spec's Open Question resolution: "treat thresholds as
// config, not constants").
type Tuning struct {
	ScoreFrames     int
	PerWeight       int
	SNRWeight       int
	PerMaxPenalty   int
	SNRMinThreshold int
}

// DefaultTuning mirrors spec §4.2's literal defaults.
func DefaultTuning() Tuning {
	return Tuning{
		ScoreFrames:     3,
		PerWeight:       75,
		SNRWeight:       25,
		PerMaxPenalty:   10,
		SNRMinThreshold: 20,
	}
}

var allStreams = []linkmodel.StreamID{linkmodel.StreamVideo, linkmodel.StreamMAVLink, linkmodel.StreamTunnel}

// PER computes spec §4.2's packet error rate across the last
// t.ScoreFrames frames of every stream. Only frames with
// PacketsTotal > 0 contribute; an empty window contributes nothing.
// Sigma-total == 0 across all streams yields PER = 100 ("no traffic is
// total loss").
func PER(ch *linkmodel.Channel, t Tuning) int {
	var totalSum, badSum uint64
	for _, s := range allStreams {
		for _, m := range ch.Window(s, t.ScoreFrames) {
			if m.PacketsTotal == 0 {
				continue
			}
			totalSum += m.PacketsTotal
			badSum += m.PacketsBad
		}
	}
	if totalSum == 0 {
		return 100
	}
	per := int(math.Round(100 * float64(badSum) / float64(totalSum)))
	return clamp(per, 0, 100)
}

// SNR computes spec §4.2's logarithmic mean: convert each dB sample to
// linear power, average over every contributing non-zero sample across
// streams, convert back to dB. No samples -> 0.
func SNR(ch *linkmodel.Channel, t Tuning) int {
	var linearSum float64
	var count int
	for _, s := range allStreams {
		for _, m := range ch.Window(s, t.ScoreFrames) {
			if m.SNR == 0 {
				continue
			}
			linearSum += math.Pow(10, float64(m.SNR)/10)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	meanLinear := linearSum / float64(count)
	return int(math.Round(10 * math.Log10(meanLinear)))
}

// RSSI computes spec §4.2's mean of the latest measurement's RSSI
// across streams that have any data.
func RSSI(ch *linkmodel.Channel, t Tuning) int {
	var sum, count int
	for _, s := range allStreams {
		w := ch.Window(s, 1)
		if len(w) == 0 {
			continue
		}
		sum += w[len(w)-1].RSSI
		count++
	}
	if count == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(count)))
}

// ReadyForScore reports whether every stream window holds at least
// t.ScoreFrames samples, per spec's "Score recomputation is triggered
// only when the three stream windows each hold >= SCORE_FRAMES samples".
func ReadyForScore(ch *linkmodel.Channel, t Tuning) bool {
	for _, s := range allStreams {
		if len(ch.Window(s, t.ScoreFrames)) < t.ScoreFrames {
			return false
		}
	}
	return true
}

// Score computes spec §4.2's 0-100 aggregate quality score from per and
// snr. Callers should gate recomputation on ReadyForScore.
func Score(per, snr int, t Tuning) int {
	perPenalty := float64(t.PerWeight) * clampFloat(float64(per)/float64(t.PerMaxPenalty), 0, 1)
	snrPenalty := float64(t.SNRWeight) * clampFloat(float64(t.SNRMinThreshold-snr)/float64(t.SNRMinThreshold), 0, 1)
	score := 100 - perPenalty - snrPenalty
	return clamp(int(math.Round(score)), 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
