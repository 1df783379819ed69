// Package radio implements RadioTuner and HopController (spec §4.4):
// the shared switchRadioTo primitive, LocalOnly hop operations, the
// ScheduledGS2Drone coordinated-hop protocol, and the PER/SNR/score
// driven hop triggers.
package radio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sich-link/sich/internal/linkmodel"
)

// CommandRunner abstracts process execution so tests can substitute a
// fake without shelling out to `iw`. Grounded on the teacher's
// `bfd.PacketSender` style of accepting a narrow interface at the
// boundary rather than hard-coding os/exec everywhere.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// execRunner is the production CommandRunner, shelling out via
// os/exec.CommandContext.
type execRunner struct{}

// NewExecRunner returns the production CommandRunner backed by
// os/exec. Exported so other components that also shell out to `iw`
// (internal/power's TX-power ladder) can share the same runner rather
// than hand-rolling another os/exec wrapper.
func NewExecRunner() CommandRunner { return execRunner{} }

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// Metrics is the narrow sink RadioTuner reports completed/failed hops
// to, mirroring internal/power's own Metrics interface so
// obsmetrics.Collector can satisfy both without either package
// depending on the other directly.
type Metrics interface {
	IncHops(role string)
	IncHopFailures(role string)
}

// RadioTuner retunes every managed Wi-Fi interface to a target
// frequency, offloading the (potentially slow, blocking) `iw` calls
// across interfaces concurrently via errgroup, grounded on the
// teacher's Orchestrator-style errgroup fan-out idiom.
type RadioTuner struct {
	wlans   []string
	runner  CommandRunner
	logger  *slog.Logger
	metrics Metrics
	role    string
}

// NewRadioTuner constructs a RadioTuner for the given Wi-Fi interfaces.
// role labels the Metrics counters WithMetrics reports to ("gs" or
// "drone").
func NewRadioTuner(wlans []string, role string, logger *slog.Logger) *RadioTuner {
	return &RadioTuner{wlans: wlans, runner: execRunner{}, role: role, logger: logger}
}

// WithRunner overrides the CommandRunner, for tests.
func (t *RadioTuner) WithRunner(r CommandRunner) *RadioTuner {
	t.runner = r
	return t
}

// WithMetrics wires a Metrics sink.
func (t *RadioTuner) WithMetrics(m Metrics) *RadioTuner {
	t.metrics = m
	return t
}

// SwitchTo implements spec §4.4's switchRadioTo primitive: invoke the
// retune command on every managed interface concurrently, and only on
// full success advance cs's cursor to target, refresh switchedAt, and
// trim target's measurement history to keep. On any interface's
// failure, cs is left untouched and the first error is returned.
func (t *RadioTuner) SwitchTo(ctx context.Context, cs *linkmodel.ChannelSet, target *linkmodel.Channel, keepHistory int, now time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, wlan := range t.wlans {
		wlan := wlan
		g.Go(func() error {
			return t.retune(gctx, wlan, target.Freq)
		})
	}
	if err := g.Wait(); err != nil {
		if t.logger != nil {
			t.logger.Error("radio: switchRadioTo failed, staying on previous channel",
				slog.String("target", target.Freq.String()), slog.Any("err", err))
		}
		if t.metrics != nil {
			t.metrics.IncHopFailures(t.role)
		}
		return fmt.Errorf("switchRadioTo(%s): %w", target.Freq, err)
	}

	if err := cs.SetCurrent(target); err != nil {
		return err
	}
	target.MarkSwitchedAt(now)
	target.TrimHistory(keepHistory)

	if t.metrics != nil {
		t.metrics.IncHops(t.role)
	}
	if t.logger != nil {
		t.logger.Info("radio: switched", slog.String("target", target.Freq.String()))
	}
	return nil
}

// retune picks the `iw` flavor per spec §4.4: frequency (MHz) above
// 2000, channel number otherwise. Grounded on
// original_source/wfb_ng/fhss.py's `iw dev <wlan> set freq|channel`.
func (t *RadioTuner) retune(ctx context.Context, wlan string, freq linkmodel.Frequency) error {
	if freq.IsChannelNumber() {
		return t.runner.Run(ctx, "iw", "dev", wlan, "set", "channel", fmt.Sprintf("%d", int(freq)))
	}
	return t.runner.Run(ctx, "iw", "dev", wlan, "set", "freq", fmt.Sprintf("%d", int(freq)))
}
