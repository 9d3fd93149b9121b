package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"specdrive/internal/models"
)

// AgentConfig describes one external worker in a stage roster.
type AgentConfig struct {
	Name    string        `mapstructure:"name"`
	Command []string      `mapstructure:"command"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Tier2Config controls the optional external retrieval tier. It is on by
// default and always fail-closed: when the service is unreachable or a stage
// has no mapping, resolution skips the tier instead of substituting content.
type Tier2Config struct {
	Enabled  bool              `mapstructure:"enabled"`
	Endpoint string            `mapstructure:"endpoint"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Mapping  map[string]string `mapstructure:"mapping"` // stage -> context name
}

// Config is the immutable configuration snapshot for one process. It is
// built once at startup and injected into every component; nothing reads
// the environment after this point.
type Config struct {
	DataDir             string                   `mapstructure:"data_dir"`
	DBPath              string                   `mapstructure:"-"`
	EvidenceRoot        string                   `mapstructure:"evidence_root"`
	Rosters             map[string][]AgentConfig `mapstructure:"rosters"`
	Arbiter             AgentConfig              `mapstructure:"arbiter"`
	RetryBudget         int                      `mapstructure:"arbiter_retry_budget"`
	StrictSchema        bool                     `mapstructure:"strict_schema"`
	StrictArtifacts     bool                     `mapstructure:"strict_artifacts"`
	Tier2               Tier2Config              `mapstructure:"tier2"`
	ConflictRule        string                   `mapstructure:"conflict_rule"` // "structural" or path to a Lua rule
	AgentTimeout        time.Duration            `mapstructure:"agent_timeout"`
	GracePeriod         time.Duration            `mapstructure:"grace_period"`
	StageMargin         time.Duration            `mapstructure:"stage_margin"`
	PromptFileThreshold int                      `mapstructure:"prompt_file_threshold"`
}

// Load builds the snapshot from specdrive.yaml (working directory, then
// ~/.specdrive) with SPECDRIVE_* environment overrides.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("specdrive")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(home, ".specdrive"))
	v.SetEnvPrefix("SPECDRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, filepath.Join(home, ".specdrive"))

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "specdrive.db")
	if cfg.EvidenceRoot == "" {
		cfg.EvidenceRoot = filepath.Join(cfg.DataDir, "evidence")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("agent_timeout", "10m")
	v.SetDefault("grace_period", "5s")
	v.SetDefault("stage_margin", "30s")
	v.SetDefault("prompt_file_threshold", 64*1024)
	v.SetDefault("arbiter_retry_budget", 1)
	v.SetDefault("strict_schema", false)
	v.SetDefault("strict_artifacts", false)
	v.SetDefault("conflict_rule", "structural")
	v.SetDefault("tier2.enabled", true)
	v.SetDefault("tier2.timeout", "10s")
	v.SetDefault("arbiter.name", "arbiter")
	v.SetDefault("arbiter.command", []string{"claude", "--model", "opus", "-p"})
}

// Validate checks the parts of the snapshot the orchestrator depends on.
func (c *Config) Validate() error {
	for stageName, roster := range c.Rosters {
		if _, err := models.ParseStage(stageName); err != nil {
			return fmt.Errorf("rosters: %w", err)
		}
		for i, agent := range roster {
			if agent.Name == "" {
				return fmt.Errorf("rosters.%s[%d]: agent must have a name", stageName, i)
			}
			if len(agent.Command) == 0 {
				return fmt.Errorf("rosters.%s[%d] (%s): agent must have a command", stageName, i, agent.Name)
			}
		}
	}
	if len(c.Arbiter.Command) == 0 {
		return fmt.Errorf("arbiter must have a command")
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("arbiter_retry_budget must be >= 0")
	}
	for stageName := range c.Tier2.Mapping {
		if _, err := models.ParseStage(stageName); err != nil {
			return fmt.Errorf("tier2.mapping: %w", err)
		}
	}
	return nil
}

// Roster returns the configured roster for a stage. Stages without an
// explicit roster fall back to a single default worker so a bare install
// still advances.
func (c *Config) Roster(stage models.Stage) []AgentConfig {
	if roster, ok := c.Rosters[string(stage)]; ok && len(roster) > 0 {
		out := make([]AgentConfig, len(roster))
		copy(out, roster)
		for i := range out {
			if out[i].Timeout == 0 {
				out[i].Timeout = c.AgentTimeout
			}
		}
		return out
	}
	return []AgentConfig{{
		Name:    "claude",
		Command: []string{"claude", "-p"},
		Timeout: c.AgentTimeout,
	}}
}

// ArbiterAgent returns the arbiter invocation config with the default
// timeout applied.
func (c *Config) ArbiterAgent() AgentConfig {
	a := c.Arbiter
	if a.Timeout == 0 {
		a.Timeout = c.AgentTimeout
	}
	return a
}

// EnsureDataDir creates the data and evidence directories.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.EvidenceRoot, 0755)
}
