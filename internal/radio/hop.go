package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sich-link/sich/internal/linkmodel"
)

// Trigger cooldowns and thresholds, per spec §4.4's literal defaults.
// Overridable via internal/config.FreqSelConfig.
const (
	DefaultReactiveCooldown = 15 * time.Second
	DefaultPlannedCooldown  = 30 * time.Second
)

// FreqSelHopSender is the management-channel capability HopController
// needs from internal/mgmt: send the GS-initiated freq_sel_hop command
// and await the drone's {"status":"success","time":<float>} response.
// Implemented by internal/orchestrator's adapter over *mgmt.Peer;
// declared here so radio depends on that capability, not on the mgmt
// package.
type FreqSelHopSender interface {
	SendFreqSelHop(ctx context.Context) (actionTime time.Time, err error)
}

// Trigger holds the PER/SNR/score thresholds HopController evaluates on
// every score update. Sourced from internal/config.FreqSelConfig.
type Trigger struct {
	PERHopMin         int
	PERHopMax         int
	SNRHopThreshold   int
	ScoreHopThreshold int
	ReactiveCooldown  time.Duration
	PlannedCooldown   time.Duration
}

// HopController drives both the LocalOnly and ScheduledGS2Drone hop
// disciplines on top of a RadioTuner, plus the GS-only PER/SNR/score
// driven triggers (spec §4.4).
type HopController struct {
	tuner  *RadioTuner
	cs     *linkmodel.ChannelSet
	clock  clockwork.Clock
	logger *slog.Logger
	role   linkmodel.Role
	keep   int

	mu                sync.Mutex
	reactiveUntil     time.Time
	plannedUntil      time.Time
	cancelPending     context.CancelFunc
	lastCooldownLogAt time.Time
}

// NewHopController constructs a HopController. keep is the measurement
// history length to retain after a successful retune onto a channel
// (FreqSelConfig.ChannelKeepHistory).
func NewHopController(tuner *RadioTuner, cs *linkmodel.ChannelSet, clock clockwork.Clock, logger *slog.Logger, role linkmodel.Role, keep int) *HopController {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HopController{tuner: tuner, cs: cs, clock: clock, logger: logger, role: role, keep: keep}
}

// ToFirst is the LocalOnly lost-state-entry hop: retune to hopList[0].
func (h *HopController) ToFirst(ctx context.Context) error {
	target, ok := h.cs.First()
	if !ok {
		return errors.New("radio: hop list is empty")
	}
	return h.localOnly(ctx, target)
}

// ToLast retunes to hopList's last entry.
func (h *HopController) ToLast(ctx context.Context) error {
	target, ok := h.cs.Last()
	if !ok {
		return errors.New("radio: hop list is empty")
	}
	return h.localOnly(ctx, target)
}

// ToNext retunes cyclically forward from Current in hopList.
func (h *HopController) ToNext(ctx context.Context) error {
	target, ok := h.cs.Next(h.cs.Current())
	if !ok {
		return errors.New("radio: hop list is empty")
	}
	return h.localOnly(ctx, target)
}

// ToPrev retunes cyclically backward from Current in hopList.
func (h *HopController) ToPrev(ctx context.Context) error {
	target, ok := h.cs.Prev(h.cs.Current())
	if !ok {
		return errors.New("radio: hop list is empty")
	}
	return h.localOnly(ctx, target)
}

// ToWifiChannel is the LocalOnly recovery-state-entry hop: retune to
// reserve.
func (h *HopController) ToWifiChannel(ctx context.Context) error {
	return h.localOnly(ctx, h.cs.Reserve())
}

func (h *HopController) localOnly(ctx context.Context, target *linkmodel.Channel) error {
	return h.tuner.SwitchTo(ctx, h.cs, target, h.keep, h.clock.Now())
}

// ScheduleDelayed runs fn after delay unless ctx is cancelled first
// (e.g. by Cancel, on entry into lost).
func (h *HopController) ScheduleDelayed(ctx context.Context, delay time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancelPending = cancel
	h.mu.Unlock()

	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(delay):
		}
		if err := fn(ctx); err != nil && h.logger != nil {
			h.logger.Warn("radio: scheduled hop failed", slog.Any("err", err))
		}
	}()
}

// Cancel aborts any outstanding reactive or scheduled hop, per spec's
// "entering lost cancels any outstanding hop" rule.
func (h *HopController) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelPending != nil {
		h.cancelPending()
		h.cancelPending = nil
	}
}

// InitiateScheduledHop implements the GS-side of ScheduledGS2Drone
// (spec §4.4): selects the target per the reserve/next rule, asks the
// drone for an action time via sender, then schedules switchRadioTo to
// fire at that time -- immediately if the local clock is already past
// it by more than 0.5s (logging clock skew), or as scheduled otherwise
// (also logging skew if the delay would exceed 4s).
func (h *HopController) InitiateScheduledHop(ctx context.Context, sender FreqSelHopSender) error {
	target := h.scheduledTarget()

	actionTime, err := sender.SendFreqSelHop(ctx)
	if err != nil {
		return fmt.Errorf("radio: freq_sel_hop request failed: %w", err)
	}

	now := h.clock.Now()
	delay := actionTime.Sub(now)

	switch {
	case delay < -500*time.Millisecond:
		if h.logger != nil {
			h.logger.Warn("radio: clock skew, local clock ahead of drone's action time, hopping immediately",
				slog.Duration("skew", -delay))
		}
		return h.localOnly(ctx, target)
	case delay > 4*time.Second:
		if h.logger != nil {
			h.logger.Warn("radio: clock skew, drone's action time is unexpectedly far out", slog.Duration("delay", delay))
		}
	}

	h.ScheduleDelayed(ctx, delay, func(ctx context.Context) error {
		return h.localOnly(ctx, target)
	})
	return nil
}

// RespondToScheduledHop implements the drone-side of ScheduledGS2Drone:
// compute actionTime = now+1s, schedule its own switchRadioTo at that
// time using the same target-selection rule, and return actionTime for
// the caller (internal/mgmt) to report back to the GS.
func (h *HopController) RespondToScheduledHop(ctx context.Context) (time.Time, error) {
	target := h.scheduledTarget()
	actionTime := h.clock.Now().Add(1 * time.Second)

	h.ScheduleDelayed(ctx, 1*time.Second, func(ctx context.Context) error {
		return h.localOnly(ctx, target)
	})
	return actionTime, nil
}

// scheduledTarget implements spec §4.4's target-selection rule: on
// reserve -> first of hopList; else next(current) in hopList. Both
// ChannelSet.Next's "not found" branch and its "found" branch land on
// exactly this rule (see channelset.go's doc comment).
func (h *HopController) scheduledTarget() *linkmodel.Channel {
	target, _ := h.cs.Next(h.cs.Current())
	return target
}

// EvaluateTriggers implements spec §4.4's GS-only reactive/planned hop
// triggers, called whenever a channel's score updates. During cooldown,
// evaluations are suppressed but logged at 1s resolution. Returns true
// if a hop was initiated.
func (h *HopController) EvaluateTriggers(ctx context.Context, per, snr, score int, t Trigger, sender FreqSelHopSender) bool {
	if h.role != linkmodel.RoleGS {
		return false
	}

	now := h.clock.Now()

	h.mu.Lock()
	inReactiveCooldown := now.Before(h.reactiveUntil)
	inPlannedCooldown := now.Before(h.plannedUntil)
	shouldLog := now.Sub(h.lastCooldownLogAt) >= 1*time.Second
	if shouldLog {
		h.lastCooldownLogAt = now
	}
	h.mu.Unlock()

	reactive := per >= t.PERHopMin && per <= t.PERHopMax
	reactive = reactive || (t.SNRHopThreshold > 0 && snr < t.SNRHopThreshold)
	planned := t.ScoreHopThreshold > 0 && score < t.ScoreHopThreshold

	if reactive && inReactiveCooldown {
		if shouldLog && h.logger != nil {
			h.logger.Debug("radio: reactive hop trigger suppressed by cooldown", slog.Int("per", per), slog.Int("snr", snr))
		}
		reactive = false
	}
	if planned && inPlannedCooldown {
		if shouldLog && h.logger != nil {
			h.logger.Debug("radio: planned hop trigger suppressed by cooldown", slog.Int("score", score))
		}
		planned = false
	}

	if !reactive && !planned {
		return false
	}

	cooldown := t.PlannedCooldown
	if cooldown == 0 {
		cooldown = DefaultPlannedCooldown
	}
	reactiveCooldown := t.ReactiveCooldown
	if reactiveCooldown == 0 {
		reactiveCooldown = DefaultReactiveCooldown
	}

	h.mu.Lock()
	if reactive {
		h.reactiveUntil = now.Add(reactiveCooldown)
	}
	if planned {
		h.plannedUntil = now.Add(cooldown)
	}
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.Info("radio: hop trigger fired", slog.Bool("reactive", reactive), slog.Bool("planned", planned),
			slog.Int("per", per), slog.Int("snr", snr), slog.Int("score", score))
	}

	if err := h.InitiateScheduledHop(ctx, sender); err != nil {
		if h.logger != nil {
			h.logger.Warn("radio: triggered hop failed", slog.Any("err", err))
		}
		return false
	}
	return true
}
