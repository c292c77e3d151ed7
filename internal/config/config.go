package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxPlayers          = 24
	DefaultSquadSize           = 3
	DefaultSquadCount          = 8
	DefaultTickRate            = 20
	DefaultResyncIntervalSec   = 10
	DefaultHeartbeatSec        = 5
	DefaultProbeBudgetSec      = 5
	DefaultReportTimeoutSec    = 8
	DefaultConnectTimeoutSec   = 15
	DefaultPendingQueueCap     = 256
	DefaultSignalingTimeoutSec = 10
)

// DefaultSTUNServers are stable low-latency endpoints for quality probes and
// ICE gathering.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds match and mesh settings for one node.
type Config struct {
	Match *MatchConfig `yaml:"match,omitempty"`
	Mesh  *MeshConfig  `yaml:"mesh,omitempty"`
}

// MatchConfig describes the match the node is joining. All plain data.
type MatchConfig struct {
	ID                string `yaml:"id"`
	MaxPlayers        int    `yaml:"max_players"`
	SquadSize         int    `yaml:"squad_size"`
	SquadCount        int    `yaml:"squad_count"`
	TickRate          int    `yaml:"tick_rate"`
	ResyncIntervalSec int    `yaml:"resync_interval_sec"`
	HeartbeatSec      int    `yaml:"heartbeat_sec"`
}

// MeshConfig describes how the node probes, signals, and connects.
type MeshConfig struct {
	SignalingURL        string   `yaml:"signaling_url"`
	SignalingTimeoutSec int      `yaml:"signaling_timeout_sec"`
	STUNServers         []string `yaml:"stun_servers"`
	ICEServers          []string `yaml:"ice_servers"`
	ProbeBudgetSec      int      `yaml:"probe_budget_sec"`
	ReportTimeoutSec    int      `yaml:"report_timeout_sec"`
	ConnectTimeoutSec   int      `yaml:"connect_timeout_sec"`
	PendingQueueCap     int      `yaml:"pending_queue_cap"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Match == nil {
		return fmt.Errorf("config must contain a match section")
	}
	if cfg.Match.ID == "" {
		return fmt.Errorf("match.id is required")
	}
	if cfg.Match.SquadSize <= 0 || cfg.Match.SquadCount <= 0 {
		return fmt.Errorf("match.squad_size and match.squad_count must be positive")
	}
	if cfg.Match.SquadSize*cfg.Match.SquadCount < cfg.Match.MaxPlayers {
		return fmt.Errorf("squads (%d x %d) cannot hold max_players=%d",
			cfg.Match.SquadCount, cfg.Match.SquadSize, cfg.Match.MaxPlayers)
	}
	if cfg.Mesh == nil || cfg.Mesh.SignalingURL == "" {
		return fmt.Errorf("mesh.signaling_url is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Match != nil {
		if cfg.Match.MaxPlayers == 0 {
			cfg.Match.MaxPlayers = DefaultMaxPlayers
		}
		if cfg.Match.SquadSize == 0 {
			cfg.Match.SquadSize = DefaultSquadSize
		}
		if cfg.Match.SquadCount == 0 {
			cfg.Match.SquadCount = DefaultSquadCount
		}
		if cfg.Match.TickRate == 0 {
			cfg.Match.TickRate = DefaultTickRate
		}
		if cfg.Match.ResyncIntervalSec == 0 {
			cfg.Match.ResyncIntervalSec = DefaultResyncIntervalSec
		}
		if cfg.Match.HeartbeatSec == 0 {
			cfg.Match.HeartbeatSec = DefaultHeartbeatSec
		}
	}

	if cfg.Mesh != nil {
		if cfg.Mesh.SignalingTimeoutSec == 0 {
			cfg.Mesh.SignalingTimeoutSec = DefaultSignalingTimeoutSec
		}
		if len(cfg.Mesh.STUNServers) == 0 {
			cfg.Mesh.STUNServers = append([]string(nil), DefaultSTUNServers...)
		}
		if len(cfg.Mesh.ICEServers) == 0 {
			cfg.Mesh.ICEServers = append([]string(nil), DefaultSTUNServers...)
		}
		if cfg.Mesh.ProbeBudgetSec == 0 {
			cfg.Mesh.ProbeBudgetSec = DefaultProbeBudgetSec
		}
		if cfg.Mesh.ReportTimeoutSec == 0 {
			cfg.Mesh.ReportTimeoutSec = DefaultReportTimeoutSec
		}
		if cfg.Mesh.ConnectTimeoutSec == 0 {
			cfg.Mesh.ConnectTimeoutSec = DefaultConnectTimeoutSec
		}
		if cfg.Mesh.PendingQueueCap == 0 {
			cfg.Mesh.PendingQueueCap = DefaultPendingQueueCap
		}
	}
}
