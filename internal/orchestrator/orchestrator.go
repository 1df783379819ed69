// Package orchestrator wires every sich component into the single
// per-peer event loop described by spec §5: MetricsIngest feeds
// channel stats and the link state machine; the state machine's
// transition callbacks drive HopController and PowerPolicy; the
// management channel carries commands in from the peer and hop
// requests out to it; the heartbeat channel mirrors link-quality views
// independent of all of that. Grounded on cmd/gobfd/main.go's
// errgroup+signal.NotifyContext lifecycle skeleton, adapted from "one
// goroutine per BFD session" to "one Orchestrator per peer process"
// since sich has exactly one management session and one radio per
// peer, not a manager of many sessions.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/sich-link/sich/internal/chanmetrics"
	"github.com/sich-link/sich/internal/config"
	"github.com/sich-link/sich/internal/heartbeat"
	"github.com/sich-link/sich/internal/ingest"
	"github.com/sich-link/sich/internal/linkmodel"
	"github.com/sich-link/sich/internal/linkstate"
	"github.com/sich-link/sich/internal/mgmt"
	"github.com/sich-link/sich/internal/obsmetrics"
	"github.com/sich-link/sich/internal/power"
	"github.com/sich-link/sich/internal/radio"
)

// tickInterval drives linkstate.Machine.Tick and hop-trigger
// reevaluation, per spec §4.3/§4.4's 1 Hz timer cadence.
const tickInterval = 1 * time.Second

// initRetryInterval is how often the GS retries the init handshake
// while in waiting (spec §4.5: "GS retries init every 3s while in
// waiting until it succeeds").
const initRetryInterval = 3 * time.Second

// initResponseTimeout bounds each init attempt (spec §4.5: "each
// attempt is bounded by an 8s response timeout").
const initResponseTimeout = 8 * time.Second

// Orchestrator owns every per-peer component and is the sole place
// that wires one component's output to another's input, per
// linkmodel's package doc ("components read and write these types
// through injected callbacks... rather than reaching for globals").
type Orchestrator struct {
	role   linkmodel.Role
	cfg    *config.Config
	logger *slog.Logger

	cs      *linkmodel.ChannelSet
	tuning  chanmetrics.Tuning
	trigger radio.Trigger

	tuner   *radio.RadioTuner
	hop     *radio.HopController
	machine *linkstate.Machine
	power   *power.Policy // nil on GS

	mgmtPeer *mgmt.Peer
	hbPeer   *heartbeat.Peer
	ingester *ingest.MetricsIngest
	metrics  *obsmetrics.Collector

	clock clockwork.Clock

	// ctx/cancel give Machine's Callbacks (which carry no context
	// parameter) somewhere to run background work; forwarded from
	// Run's ctx at startup and cancelled on shutdown or Run's ctx
	// cancellation, whichever comes first.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastScore   int
	lastPER     int
	lastSNR     int
	lastRSSI    int
	haveScore   bool

	// configPath, when non-empty, is watched for hot-reload (see
	// WithConfigPath and Run's watchConfig goroutine).
	configPath string
}

// WithConfigPath enables fsnotify-driven hot-reload of tuning constants
// from the given YAML file, mirroring power.New's fluent
// WithMetrics(...) construction style. A zero-value path (the default)
// leaves hot-reload disabled, matching DefaultConfig()'s in-memory-only
// use in tests.
func (o *Orchestrator) WithConfigPath(path string) *Orchestrator {
	o.configPath = path
	return o
}

// New builds an Orchestrator from cfg. metrics may be nil, in which case
// nothing is reported to Prometheus.
func New(cfg *config.Config, logger *slog.Logger, metrics *obsmetrics.Collector) (*Orchestrator, error) {
	role := linkmodel.RoleGS
	if cfg.Common.Role == "drone" {
		role = linkmodel.RoleDrone
	}

	reserve := linkmodel.ChannelToMHz(cfg.Common.WifiChannel)
	hopList := make([]linkmodel.Frequency, 0, len(cfg.FreqSel.Channels))
	for _, c := range cfg.FreqSel.Channels {
		hopList = append(hopList, linkmodel.ChannelToMHz(c))
	}
	cs := linkmodel.NewChannelSet(reserve, hopList)

	tuning := chanmetrics.Tuning{
		ScoreFrames:     cfg.FreqSel.ScoreFrames,
		PerWeight:       cfg.FreqSel.ScorePerWeight,
		SNRWeight:       cfg.FreqSel.ScoreSNRWeight,
		PerMaxPenalty:   cfg.FreqSel.ScorePerMaxPenalty,
		SNRMinThreshold: cfg.FreqSel.ScoreSNRMinThreshold,
	}
	trigger := radio.Trigger{
		PERHopMin:         cfg.FreqSel.PerHopMin,
		PERHopMax:         cfg.FreqSel.PerHopMax,
		SNRHopThreshold:   cfg.FreqSel.SNRHopThreshold,
		ScoreHopThreshold: cfg.FreqSel.ScoreHopThreshold,
		ReactiveCooldown:  durationFromSeconds(cfg.FreqSel.PerHopCooldownSec, radio.DefaultReactiveCooldown),
		PlannedCooldown:   durationFromSeconds(cfg.FreqSel.ScoreHopCooldownSec, radio.DefaultPlannedCooldown),
	}

	clock := clockwork.NewRealClock()
	tuner := radio.NewRadioTuner(cfg.Common.Wlans, role.String(), logger)
	if metrics != nil {
		tuner = tuner.WithMetrics(metrics)
	}
	hop := radio.NewHopController(tuner, cs, clock, logger, role, cfg.FreqSel.ChannelKeepHistory)

	var pwr *power.Policy
	if role == linkmodel.RoleDrone {
		pwr = power.New(cfg.Common.Wlans, cfg.Common.PowerSelLevels, cfg.Common.PowerSelEnabled, logger)
		if metrics != nil {
			pwr = pwr.WithMetrics(metrics)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		role:    role,
		cfg:     cfg,
		logger:  logger,
		cs:      cs,
		tuning:  tuning,
		trigger: trigger,
		tuner:   tuner,
		hop:     hop,
		power:   pwr,
		metrics: metrics,
		clock:   clock,
		ctx:     ctx,
		cancel:  cancel,
	}

	o.machine = linkstate.New(clock, logger, linkstate.Callbacks{
		ScheduleLostHop:              o.onScheduleLostHop,
		CancelPendingHops:            o.onCancelPendingHops,
		ResetChannelsAndHopToReserve: o.onResetChannelsAndHopToReserve,
		PowerPolicyChanged:           o.onPowerPolicyChanged,
		Transition:                   o.onTransition,
	})

	listenAddr, dialAddr := mgmtAddrs(cfg, role)
	o.mgmtPeer = mgmt.NewPeer(listenAddr, dialAddr, false, mgmt.HandlerFunc(o.HandleCommand), logger)

	hbLocal, hbRemote := heartbeatAddrs(cfg, role)
	o.hbPeer = heartbeat.New(hbLocal, hbRemote, "127.0.0.1:14892", "127.0.0.1:14893", o, logger)

	o.ingester = ingest.New(fmt.Sprintf("127.0.0.1:%d", cfg.Common.StatsPort), logger, o.resolveStream)
	o.ingester.AddSink(ingest.SinkFunc(func(m linkmodel.Measurement) {
		o.machine.OnPacketArrival(m.At)
	}))

	return o, nil
}

func durationFromSeconds(sec float64, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec * float64(time.Second))
}

func mgmtAddrs(cfg *config.Config, role linkmodel.Role) (listenAddr, dialAddr string) {
	if role == linkmodel.RoleGS {
		return fmt.Sprintf(":%d", cfg.Mgmt.GSPort), fmt.Sprintf("%s:%d", cfg.Mgmt.DroneAddr, cfg.Mgmt.DronePort)
	}
	return fmt.Sprintf(":%d", cfg.Mgmt.DronePort), fmt.Sprintf("%s:%d", cfg.Mgmt.GSAddr, cfg.Mgmt.GSPort)
}

func heartbeatAddrs(cfg *config.Config, role linkmodel.Role) (localAddr, remoteAddr string) {
	if role == linkmodel.RoleGS {
		return fmt.Sprintf(":%d", cfg.Mgmt.HeartbeatGSPort), fmt.Sprintf("%s:%d", cfg.Mgmt.DroneAddr, cfg.Mgmt.HeartbeatDronePort)
	}
	return fmt.Sprintf(":%d", cfg.Mgmt.HeartbeatDronePort), fmt.Sprintf("%s:%d", cfg.Mgmt.GSAddr, cfg.Mgmt.HeartbeatGSPort)
}

// resolveStream implements ingest's resolve callback: every wfb_rx
// stream id is reported against whichever channel this peer currently
// believes it's tuned to (there is exactly one active radio per peer).
func (o *Orchestrator) resolveStream(id string) (linkmodel.StreamID, *linkmodel.Channel, bool) {
	stream, ok := linkmodel.ParseStreamID(id)
	if !ok {
		return 0, nil, false
	}
	return stream, o.cs.Current(), true
}

// Run starts every component's goroutine and blocks until ctx is
// cancelled or a component fails, draining all goroutines before
// returning (errgroup.WithContext mirrors cmd/gobfd/main.go's
// runServers shape).
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	go func() {
		<-gctx.Done()
		o.cancel()
	}()

	g.Go(func() error {
		return o.ingester.Run(gctx, func() {
			if o.metrics != nil {
				o.metrics.IncMeasurementsDropped("unresolved")
			}
		})
	})
	g.Go(func() error { return o.mgmtPeer.Run(gctx) })
	g.Go(func() error { return o.hbPeer.Run(gctx) })
	g.Go(func() error { return o.tickLoop(gctx) })

	if o.role == linkmodel.RoleGS {
		g.Go(func() error { return o.initRetryLoop(gctx) })
	}
	if o.power != nil {
		g.Go(func() error { return o.power.Start(gctx) })
	}
	if o.cfg.Mgmt.ControlAddr != "" {
		g.Go(func() error { return o.controlLoop(gctx) })
	}
	if o.configPath != "" {
		g.Go(func() error { return o.watchConfig(gctx) })
	}

	// g.Wait only surfaces as a real failure when the caller's own ctx
	// was not the reason every goroutine unwound -- an external
	// shutdown (ctx.Err() != nil) is expected and reported as a clean
	// return, matching netio.Receiver.Run's "nil on cancellation" idiom.
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// tickLoop drives the 1 Hz StateMachine tick, channel score
// recomputation, and GS-only hop-trigger evaluation.
func (o *Orchestrator) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := o.clock.Now()
			o.machine.Tick(now)
			o.recomputeScore(ctx)
		}
	}
}

// recomputeScore recomputes the current channel's PER/SNR/RSSI/Score,
// publishes them to metrics, records the authoritative score, and (on
// GS) evaluates hop triggers.
func (o *Orchestrator) recomputeScore(ctx context.Context) {
	o.mu.Lock()
	tuning, trigger := o.tuning, o.trigger
	o.mu.Unlock()

	ch := o.cs.Current()
	per := chanmetrics.PER(ch, tuning)
	snr := chanmetrics.SNR(ch, tuning)
	rssi := chanmetrics.RSSI(ch, tuning)

	ready := chanmetrics.ReadyForScore(ch, tuning)
	var score int
	if ready {
		score = chanmetrics.Score(per, snr, tuning)
		ch.PushScore(score)
	} else {
		score = ch.Score()
	}

	o.mu.Lock()
	o.lastPER, o.lastSNR, o.lastRSSI, o.lastScore, o.haveScore = per, snr, rssi, score, ready
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetChannelStats(ch.Freq.String(), float64(score), float64(per), float64(snr), float64(rssi))
	}

	if o.role == linkmodel.RoleGS && ready {
		o.hop.EvaluateTriggers(ctx, per, snr, score, trigger, freqSelHopSender{o.mgmtPeer})
	}
}

// ApplyConfigReload pushes updated tuning/trigger constants from a
// freshly validated FreqSelConfig into the running peer without a
// restart, per SPEC_FULL.md §6's fsnotify hot-reload note. Only
// ChannelMetrics/HopController tuning is live-reloadable; config.Watcher
// itself rejects a reload that touches a startup-only field (ports,
// role, wlans) before this is ever called.
func (o *Orchestrator) ApplyConfigReload(freqSel config.FreqSelConfig) {
	tuning := chanmetrics.Tuning{
		ScoreFrames:     freqSel.ScoreFrames,
		PerWeight:       freqSel.ScorePerWeight,
		SNRWeight:       freqSel.ScoreSNRWeight,
		PerMaxPenalty:   freqSel.ScorePerMaxPenalty,
		SNRMinThreshold: freqSel.ScoreSNRMinThreshold,
	}
	trigger := radio.Trigger{
		PERHopMin:         freqSel.PerHopMin,
		PERHopMax:         freqSel.PerHopMax,
		SNRHopThreshold:   freqSel.SNRHopThreshold,
		ScoreHopThreshold: freqSel.ScoreHopThreshold,
		ReactiveCooldown:  durationFromSeconds(freqSel.PerHopCooldownSec, radio.DefaultReactiveCooldown),
		PlannedCooldown:   durationFromSeconds(freqSel.ScoreHopCooldownSec, radio.DefaultPlannedCooldown),
	}

	o.mu.Lock()
	o.tuning, o.trigger = tuning, trigger
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Info("orchestrator: applied config reload")
	}
}

// controlLoop serves internal/cliclient: a local-only listener, distinct
// from internal/mgmt.Peer's GS<->drone port, that accepts one JSON
// Command per connection and replies with one JSON Response before
// closing, so a sichctl invocation never contends with the real peer
// for mgmt.Peer's single inbound connection slot.
func (o *Orchestrator) controlLoop(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.cfg.Mgmt.ControlAddr)
	if err != nil {
		return fmt.Errorf("orchestrator: control listen %s: %w", o.cfg.Mgmt.ControlAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go o.serveControlConn(ctx, conn)
	}
}

func (o *Orchestrator) serveControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var cmd mgmt.Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		return
	}
	resp := o.HandleCommand(ctx, cmd)
	_ = json.NewEncoder(conn).Encode(resp)
}

// initRetryLoop implements the GS side of spec §4.5's init handshake
// retry rule: every 3s while waiting, send init until it succeeds.
func (o *Orchestrator) initRetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(initRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if o.machine.Current() != linkmodel.StateWaiting {
				continue
			}
			o.attemptInit(ctx)
		}
	}
}

func (o *Orchestrator) attemptInit(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, initResponseTimeout)
	defer cancel()

	resp, err := o.mgmtPeer.SendCommand(reqCtx, mgmt.Command{
		Command: mgmt.CommandInit,
		FreqSel: &mgmt.FreqSelInit{Enabled: o.cfg.FreqSel.Enabled},
		Status:  o.machine.Current().String(),
	})
	if err != nil {
		if o.logger != nil {
			o.logger.Debug("orchestrator: init attempt failed", slog.Any("err", err))
		}
		return
	}
	if !resp.IsSuccess() {
		return
	}
	o.machine.OnInitSuccess(o.clock.Now())
}

// watchConfig runs config.Watcher against o.configPath for the life of
// ctx, pushing every accepted reload's FreqSelConfig into
// ApplyConfigReload. A watcher construction failure (e.g. the config
// directory disappeared) is logged and treated as non-fatal: the peer
// keeps running on its already-loaded tuning rather than exiting.
func (o *Orchestrator) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(o.configPath, o.logger)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("orchestrator: config hot-reload disabled", slog.Any("err", err))
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return w.Run(ctx, o.cfg, func(next *config.Config) {
		o.ApplyConfigReload(next.FreqSel)
	})
}

// --- linkstate.Callbacks ---

func (o *Orchestrator) onScheduleLostHop() {
	if err := o.hop.ToFirst(o.ctx); err != nil && o.logger != nil {
		o.logger.Warn("orchestrator: lost-entry hop failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) onCancelPendingHops() {
	o.hop.Cancel()
}

func (o *Orchestrator) onResetChannelsAndHopToReserve() {
	for _, ch := range o.cs.All() {
		ch.ResetStats()
	}
	if err := o.hop.ToWifiChannel(o.ctx); err != nil && o.logger != nil {
		o.logger.Warn("orchestrator: recovery-entry hop failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) onPowerPolicyChanged(state linkmodel.LinkState) {
	if o.power != nil {
		o.power.OnLinkStateChanged(o.ctx, state)
	}
}

func (o *Orchestrator) onTransition(r linkstate.Result) {
	if o.metrics != nil {
		o.metrics.RecordStateTransition(r.OldState.String(), r.NewState.String())
		o.metrics.SetLinkState(r.NewState.String())
	}
}

// --- mgmt.Handler ---

// HandleCommand dispatches an inbound management command per spec
// §4.5's command set.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd mgmt.Command) mgmt.Response {
	switch cmd.Command {
	case mgmt.CommandInit:
		return o.handleInit(cmd)
	case mgmt.CommandFreqSelHop:
		return o.handleFreqSelHop(ctx)
	case mgmt.CommandSetStatus:
		return o.handleSetStatus(cmd)
	case mgmt.CommandUpdateConfig:
		// Merging into persistent settings and the atomic on-disk write
		// is owned by internal/config's external collaborator per spec
		// §4.5; acknowledge receipt unconditionally.
		return mgmt.SuccessResponse()
	case mgmt.CommandTXPower:
		return o.handleTXPower(ctx, cmd)
	case mgmt.CommandQueryStatus:
		return o.handleQueryStatus()
	default:
		return mgmt.ErrorResponse(fmt.Sprintf("mgmt: unknown command %q", cmd.Command))
	}
}

func (o *Orchestrator) handleInit(cmd mgmt.Command) mgmt.Response {
	now := o.clock.Now()
	switch o.machine.Current() {
	case linkmodel.StateWaiting, linkmodel.StateDisarmed:
		o.machine.OnInitSuccess(now)
		return mgmt.SuccessResponse()
	default:
		// Already past the handshake; treat a repeated init as a no-op
		// success so a retrying peer converges instead of erroring.
		return mgmt.SuccessResponse()
	}
}

func (o *Orchestrator) handleFreqSelHop(ctx context.Context) mgmt.Response {
	if o.role != linkmodel.RoleDrone {
		return mgmt.ErrorResponse("mgmt: freq_sel_hop is only handled by the drone responder")
	}
	actionTime, err := o.hop.RespondToScheduledHop(ctx)
	if err != nil {
		return mgmt.ErrorResponse(err.Error())
	}
	ts := float64(actionTime.UnixNano()) / 1e9
	return mgmt.Response{Status: "success", Time: &ts}
}

func (o *Orchestrator) handleSetStatus(cmd mgmt.Command) mgmt.Response {
	state, ok := linkmodel.ParseLinkState(cmd.Status)
	if !ok {
		return mgmt.ErrorResponse(fmt.Sprintf("mgmt: unknown status %q", cmd.Status))
	}
	now := o.clock.Now()
	switch state {
	case linkmodel.StateArmed:
		o.machine.OnArm(now)
	case linkmodel.StateDisarmed:
		o.machine.OnDisarm(now)
	case linkmodel.StateConnected:
		// connected is reached only via the init handshake or a
		// disarm->connected re-arm path already covered by OnArm/
		// OnInitSuccess; a direct set_status("connected") from a peer
		// that's already active is a no-op acknowledgement.
	default:
		return mgmt.ErrorResponse(fmt.Sprintf("mgmt: %q is not peer-synchronizable", cmd.Status))
	}
	return mgmt.SuccessResponse()
}

// handleQueryStatus implements sichctl's query_status (a sich-local
// addition to the wire protocol, not part of the GS<->drone handshake):
// a read-only snapshot of this peer's current state.
func (o *Orchestrator) handleQueryStatus() mgmt.Response {
	o.mu.Lock()
	per, snr, rssi, score := o.lastPER, o.lastSNR, o.lastRSSI, o.lastScore
	o.mu.Unlock()

	snap := &mgmt.StatusSnapshot{
		Role:      o.role.String(),
		LinkState: o.machine.Current().String(),
		Diag:      o.machine.Diag().String(),
		Channel:   int(o.cs.Current().Freq),
		Score:     score,
		PER:       per,
		SNR:       snr,
		RSSI:      rssi,
	}
	if o.power != nil {
		snap.PowerState = o.power.State().String()
		snap.PowerLevel = o.power.LevelIndex()
	}
	return mgmt.Response{Status: "success", Snapshot: snap}
}

func (o *Orchestrator) handleTXPower(ctx context.Context, cmd mgmt.Command) mgmt.Response {
	if o.power == nil {
		return mgmt.ErrorResponse("mgmt: tx_power is drone-only")
	}
	if err := o.power.Adjust(ctx, cmd.Action); err != nil {
		return mgmt.ErrorResponse(err.Error())
	}
	return mgmt.SuccessResponse()
}

// --- heartbeat.Source ---

// Status implements heartbeat.Source.
func (o *Orchestrator) Status() string { return o.machine.Current().String() }

// Channel implements heartbeat.Source.
func (o *Orchestrator) Channel() linkmodel.Frequency { return o.cs.Current().Freq }

// LocalView implements heartbeat.Source.
func (o *Orchestrator) LocalView() heartbeat.LocalView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return heartbeat.LocalView{RSSI: o.lastRSSI, PER: o.lastPER, SNR: o.lastSNR}
}

// Score implements heartbeat.Source.
func (o *Orchestrator) Score() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.haveScore {
		return 0, false
	}
	return float64(o.lastScore), true
}

// freqSelHopSender adapts *mgmt.Peer to radio.FreqSelHopSender.
type freqSelHopSender struct {
	peer *mgmt.Peer
}

// SendFreqSelHop implements radio.FreqSelHopSender.
func (s freqSelHopSender) SendFreqSelHop(ctx context.Context) (time.Time, error) {
	resp, err := s.peer.SendCommand(ctx, mgmt.Command{Command: mgmt.CommandFreqSelHop})
	if err != nil {
		return time.Time{}, err
	}
	if !resp.IsSuccess() || resp.Time == nil {
		if resp.Error != "" {
			return time.Time{}, fmt.Errorf("mgmt: freq_sel_hop rejected: %s", resp.Error)
		}
		return time.Time{}, fmt.Errorf("mgmt: freq_sel_hop response missing time")
	}
	sec := int64(*resp.Time)
	nsec := int64((*resp.Time - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), nil
}
