// Package power implements PowerPolicy (spec §4.7): a drone-only,
// state-driven TX-power ladder. It has no direct teacher analogue (the
// BFD daemon has nothing resembling RF power control), so its shape is
// built from spec §4.7's literal three-state description and modeled
// on the same pure-data-plus-thin-wrapper style as internal/linkstate's
// Machine -- a small State enum transitioned by StateMachine callbacks,
// with the actual `iw` invocation delegated to a narrow CommandRunner
// interface shared with internal/radio.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/radio"
)

// State is PowerPolicy's own small state enum (spec §4.7): distinct
// from linkmodel.LinkState, which only drives transitions into it.
type State uint8

const (
	// StateDisabled means PowerPolicy pins TX power to the highest
	// configured level once, in Start, and then ignores link-state
	// changes. Entered once at construction when power selection is off
	// in config and never exited.
	StateDisabled State = iota

	// StateLocked is entered on disarm: TX power is pinned to the
	// lowest configured level.
	StateLocked

	// StateActiveAdjustment is entered on arm or on connected: TX power
	// starts at the highest configured level and can be nudged via
	// external tx_power increase/decrease commands.
	StateActiveAdjustment
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateLocked:
		return "locked"
	case StateActiveAdjustment:
		return "active-adjustment"
	default:
		return "unknown"
	}
}

// ErrNotAdjustable is returned by Adjust when PowerPolicy is not
// currently in StateActiveAdjustment.
var ErrNotAdjustable = errors.New("power: tx_power command rejected outside active-adjustment state")

// ErrThrottled is returned by Adjust when called again before
// MinChangeInterval has elapsed since the last level change.
var ErrThrottled = errors.New("power: tx_power command throttled")

// Metrics is the subset of obsmetrics.Collector PowerPolicy reports
// to, kept as a narrow interface so tests don't need a real
// prometheus.Registerer.
type Metrics interface {
	RecordPowerChange(levelIndex int, at time.Time)
}

// DefaultMinChangeInterval is the minimum interval between external
// tx_power increase/decrease commands.
const DefaultMinChangeInterval = 2 * time.Second

// Policy is the stateful PowerPolicy. Like linkstate.Machine, it is
// designed to be driven exclusively from its owning peer's single
// event-loop goroutine; the mutex exists only so sichctl/status readers
// can snapshot state without racing that goroutine.
type Policy struct {
	wlans   []string
	levels  []int // raw driver units, ordered lowest to highest; dBm = value/100
	enabled bool

	runner  radio.CommandRunner
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics Metrics

	minChangeInterval time.Duration

	mu         sync.Mutex
	state      State
	levelIndex int
	lastChange time.Time
}

// New constructs a Policy. levels must be non-empty and ordered lowest
// to highest when enabled is true; if enabled is false, Policy starts
// and stays in StateDisabled regardless of levels.
func New(wlans []string, levels []int, enabled bool, logger *slog.Logger) *Policy {
	state := StateDisabled
	if enabled && len(levels) > 0 {
		state = StateLocked
	}
	return &Policy{
		wlans:             wlans,
		levels:            levels,
		enabled:           enabled,
		runner:            radio.NewExecRunner(),
		clock:             clockwork.NewRealClock(),
		logger:            logger,
		minChangeInterval: DefaultMinChangeInterval,
		state:             state,
	}
}

// WithRunner overrides the CommandRunner, for tests.
func (p *Policy) WithRunner(r radio.CommandRunner) *Policy {
	p.runner = r
	return p
}

// WithClock overrides the clock, for tests.
func (p *Policy) WithClock(c clockwork.Clock) *Policy {
	p.clock = c
	return p
}

// WithMetrics wires a Metrics sink.
func (p *Policy) WithMetrics(m Metrics) *Policy {
	p.metrics = m
	return p
}

// WithMinChangeInterval overrides the throttle interval, for tests.
func (p *Policy) WithMinChangeInterval(d time.Duration) *Policy {
	p.minChangeInterval = d
	return p
}

// Start pins the initial hardware TX power level for the constructed
// state: max in StateDisabled (spec §4.7: "DisabledState: always max"),
// lowest in StateLocked. No-op if levels is empty (power selection not
// configured at all).
func (p *Policy) Start(ctx context.Context) error {
	if len(p.levels) == 0 {
		return nil
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if state == StateDisabled {
		return p.setLevel(ctx, len(p.levels)-1)
	}
	return p.setLevel(ctx, 0)
}

// State returns the current policy state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LevelIndex returns the current ladder index.
func (p *Policy) LevelIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levelIndex
}

// OnLinkStateChanged is wired as linkstate.Callbacks.PowerPolicyChanged:
// disarmed moves to StateLocked at the lowest level; armed and connected
// move to StateActiveAdjustment at the highest level; other link states
// leave the policy unchanged. It is a no-op in StateDisabled.
func (p *Policy) OnLinkStateChanged(ctx context.Context, link linkmodel.LinkState) {
	p.mu.Lock()
	if p.state == StateDisabled {
		p.mu.Unlock()
		return
	}

	var target State
	var index int
	switch link {
	case linkmodel.StateDisarmed:
		target, index = StateLocked, 0
	case linkmodel.StateArmed, linkmodel.StateConnected:
		target, index = StateActiveAdjustment, len(p.levels)-1
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.transition(ctx, target, index); err != nil && p.logger != nil {
		p.logger.Error("power: transition failed", slog.String("target", target.String()), slog.Any("err", err))
	}
}

// Adjust implements the external tx_power increase/decrease management
// command (spec §4.5/§4.7): accepted only in StateActiveAdjustment and
// throttled by minChangeInterval.
func (p *Policy) Adjust(ctx context.Context, action string) error {
	p.mu.Lock()
	if p.state != StateActiveAdjustment {
		p.mu.Unlock()
		return ErrNotAdjustable
	}
	now := p.clock.Now()
	if !p.lastChange.IsZero() && now.Sub(p.lastChange) < p.minChangeInterval {
		p.mu.Unlock()
		return ErrThrottled
	}

	next := p.levelIndex
	switch action {
	case "increase":
		if next < len(p.levels)-1 {
			next++
		}
	case "decrease":
		if next > 0 {
			next--
		}
	default:
		p.mu.Unlock()
		return fmt.Errorf("power: unknown tx_power action %q", action)
	}
	p.mu.Unlock()

	return p.setLevel(ctx, next)
}

// transition moves to target state at the given ladder index, applying
// the hardware change only if the index actually differs from current
// (avoids reissuing an identical `iw` command on every redundant
// callback, e.g. repeated connected->connected no-op transitions).
func (p *Policy) transition(ctx context.Context, target State, index int) error {
	p.mu.Lock()
	sameIndex := p.state == target && p.levelIndex == index
	p.state = target
	p.mu.Unlock()

	if sameIndex {
		return nil
	}
	return p.setLevel(ctx, index)
}

func (p *Policy) setLevel(ctx context.Context, index int) error {
	if index < 0 || index >= len(p.levels) {
		return fmt.Errorf("power: level index %d out of range [0,%d)", index, len(p.levels))
	}
	value := p.levels[index]

	for _, wlan := range p.wlans {
		if err := p.runner.Run(ctx, "iw", "dev", wlan, "set", "txpower", "fixed", fmt.Sprintf("%d", value)); err != nil {
			return fmt.Errorf("power: set txpower on %s: %w", wlan, err)
		}
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.levelIndex = index
	p.lastChange = now
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("power: level changed", slog.Int("index", index), slog.Int("raw", value))
	}
	if p.metrics != nil {
		p.metrics.RecordPowerChange(index, now)
	}
	return nil
}
