// Package config manages sich daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete sich configuration. Key names under Common
// follow the original wfb_ng configuration file. The frequency-selection
// keys are read from their own freq_sel section (freq_sel.enabled,
// freq_sel.channels, ...), not from common.freq_sel_* keys, so a
// wfb_ng file that sets common.freq_sel_* is not picked up.
type Config struct {
	Common   CommonConfig  `koanf:"common"`
	FreqSel  FreqSelConfig `koanf:"freq_sel"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
	Mgmt     MgmtConfig    `koanf:"mgmt"`
}

// CommonConfig holds the role-agnostic settings shared by both peers.
type CommonConfig struct {
	// Role selects which peer this process runs as: "gs" or "drone".
	Role string `koanf:"role"`

	// WifiChannel is the startup/reserve channel, either a channel
	// number or a raw MHz frequency (values > 2000 are MHz).
	WifiChannel int `koanf:"wifi_channel"`

	// Wlans lists every managed Wi-Fi interface; every one is retuned
	// per hop.
	Wlans []string `koanf:"wlans"`

	// StatsPort is the local wfb_rx stats socket port for this role.
	StatsPort int `koanf:"stats_port"`

	// PowerSelEnabled turns on PowerPolicy (drone only).
	PowerSelEnabled bool `koanf:"power_sel_enabled"`

	// PowerSelLevels is the ordered ladder of TX power levels in raw
	// driver units (dBm = value/100).
	PowerSelLevels []int `koanf:"power_sel_levels"`
}

// FreqSelConfig holds the frequency-selection tuning knobs. Every key
// has a spec-mandated default; operators only need to override what
// differs for their hardware.
type FreqSelConfig struct {
	Enabled bool `koanf:"enabled"`

	// Channels is the ordered hop list (freq_sel_channels).
	Channels []int `koanf:"channels"`

	ScoreFrames          int `koanf:"score_frames"`
	ScorePerWeight       int `koanf:"score_per_weight"`
	ScoreSNRWeight       int `koanf:"score_snr_weight"`
	ScorePerMaxPenalty   int `koanf:"score_per_max_penalty"`
	ScoreSNRMinThreshold int `koanf:"score_snr_min_threshold"`
	ChannelKeepHistory   int `koanf:"channel_keep_history"`

	PerHopMin          int     `koanf:"per_hop_min"`
	PerHopMax          int     `koanf:"per_hop_max"`
	PerHopCooldownSec  float64 `koanf:"per_hop_cooldown_sec"`
	SNRHopThreshold    int     `koanf:"snr_hop_threshold"`
	ScoreHopThreshold  int     `koanf:"score_hop_threshold"`
	ScoreHopCooldownSec float64 `koanf:"score_hop_cooldown_sec"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MgmtConfig holds the ManagementPeer's well-known ports and peer
// addresses. Names are fixed per spec §6.
type MgmtConfig struct {
	GSPort      int    `koanf:"gs_port"`
	DronePort   int    `koanf:"drone_port"`
	GSAddr      string `koanf:"gs_addr"`
	DroneAddr   string `koanf:"drone_addr"`
	HeartbeatGSPort    int `koanf:"heartbeat_gs_port"`
	HeartbeatDronePort int `koanf:"heartbeat_drone_port"`

	// ControlAddr is a local-only TCP listener, separate from the
	// GS<->drone management port above, that sichctl dials to issue
	// query_status/set_status/etc (internal/cliclient). Kept distinct
	// from gs_port/drone_port so a sichctl connection never contends
	// for the single inbound slot internal/mgmt.Peer reserves for the
	// actual remote peer.
	ControlAddr string `koanf:"control_addr"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the spec's tuning
// defaults (SCORE_FRAMES=3, PER_WEIGHT=75, SNR_WEIGHT=25,
// PER_MAX_PENALTY=10, SNR_MIN_THRESHOLD=20, KEEP_HISTORY=5,
// PER_HOP_MIN=25, PER_HOP_MAX=80, reactive cooldown 15s, planned
// cooldown 30s) and the well-known management/heartbeat ports.
func DefaultConfig() *Config {
	return &Config{
		Common: CommonConfig{
			Role:      "gs",
			StatsPort: 8080,
		},
		FreqSel: FreqSelConfig{
			Enabled:              true,
			ScoreFrames:          3,
			ScorePerWeight:       75,
			ScoreSNRWeight:       25,
			ScorePerMaxPenalty:   10,
			ScoreSNRMinThreshold: 20,
			ChannelKeepHistory:   5,
			PerHopMin:            25,
			PerHopMax:            80,
			PerHopCooldownSec:    15,
			SNRHopThreshold:      0,
			ScoreHopThreshold:    0,
			ScoreHopCooldownSec:  30,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mgmt: MgmtConfig{
			GSPort:             14889,
			DronePort:          14888,
			GSAddr:             "10.5.0.1",
			DroneAddr:          "10.5.0.2",
			HeartbeatGSPort:    14890,
			HeartbeatDronePort: 14891,
			ControlAddr:        "127.0.0.1:14895",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for sich configuration.
// Variables are named SICH_<section>_<key>, e.g. SICH_COMMON_WIFI_CHANNEL.
const envPrefix = "SICH_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (SICH_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SICH_COMMON_WIFI_CHANNEL -> common.wifi_channel.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range []string{"common", "freq_sel", "metrics", "log", "mgmt"} {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return section + "." + rest
		}
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"common.role":                  defaults.Common.Role,
		"common.stats_port":            defaults.Common.StatsPort,
		"freq_sel.enabled":             defaults.FreqSel.Enabled,
		"freq_sel.score_frames":        defaults.FreqSel.ScoreFrames,
		"freq_sel.score_per_weight":    defaults.FreqSel.ScorePerWeight,
		"freq_sel.score_snr_weight":    defaults.FreqSel.ScoreSNRWeight,
		"freq_sel.score_per_max_penalty":    defaults.FreqSel.ScorePerMaxPenalty,
		"freq_sel.score_snr_min_threshold":  defaults.FreqSel.ScoreSNRMinThreshold,
		"freq_sel.channel_keep_history":     defaults.FreqSel.ChannelKeepHistory,
		"freq_sel.per_hop_min":              defaults.FreqSel.PerHopMin,
		"freq_sel.per_hop_max":              defaults.FreqSel.PerHopMax,
		"freq_sel.per_hop_cooldown_sec":     defaults.FreqSel.PerHopCooldownSec,
		"freq_sel.snr_hop_threshold":        defaults.FreqSel.SNRHopThreshold,
		"freq_sel.score_hop_threshold":      defaults.FreqSel.ScoreHopThreshold,
		"freq_sel.score_hop_cooldown_sec":   defaults.FreqSel.ScoreHopCooldownSec,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"mgmt.gs_port":                 defaults.Mgmt.GSPort,
		"mgmt.drone_port":              defaults.Mgmt.DronePort,
		"mgmt.gs_addr":                 defaults.Mgmt.GSAddr,
		"mgmt.drone_addr":              defaults.Mgmt.DroneAddr,
		"mgmt.heartbeat_gs_port":       defaults.Mgmt.HeartbeatGSPort,
		"mgmt.heartbeat_drone_port":    defaults.Mgmt.HeartbeatDronePort,
		"mgmt.control_addr":           defaults.Mgmt.ControlAddr,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors. ConfigurationError per spec §7: fail fast at
// startup on any of these.
var (
	ErrInvalidRole       = errors.New("common.role must be \"gs\" or \"drone\"")
	ErrNoWlans           = errors.New("common.wlans must list at least one interface")
	ErrInvalidStatsPort  = errors.New("common.stats_port must be > 0")
	ErrEmptyMetricsAddr  = errors.New("metrics.addr must not be empty")
	ErrInvalidMgmtPorts  = errors.New("mgmt.gs_port and mgmt.drone_port must be set and distinct")
)

// Validate checks the configuration for startup-fatal logical errors,
// per spec §7's ConfigurationError policy ("fail fast at startup").
// Recoverable mid-flight misconfigurations (e.g. too few freq_sel
// channels) are NOT validation failures here — see
// DowngradeFreqSelIfIncoherent, applied after Load succeeds.
func Validate(cfg *Config) error {
	if cfg.Common.Role != "gs" && cfg.Common.Role != "drone" {
		return ErrInvalidRole
	}
	if len(cfg.Common.Wlans) == 0 {
		return ErrNoWlans
	}
	if cfg.Common.StatsPort <= 0 {
		return ErrInvalidStatsPort
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Mgmt.GSPort <= 0 || cfg.Mgmt.DronePort <= 0 || cfg.Mgmt.GSPort == cfg.Mgmt.DronePort {
		return ErrInvalidMgmtPorts
	}
	return nil
}

// DowngradeFreqSelIfIncoherent implements spec §7's "recoverable
// mid-flight misconfigurations... downgrade is_enabled() to false":
// frequency selection requires at least two hop-list channels to mean
// anything. It never returns an error — only silently disables hopping
// and returns whether it did so, for the caller to log.
func DowngradeFreqSelIfIncoherent(cfg *Config) (downgraded bool) {
	if cfg.FreqSel.Enabled && len(cfg.FreqSel.Channels) < 2 {
		cfg.FreqSel.Enabled = false
		return true
	}
	return false
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
