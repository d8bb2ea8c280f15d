package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/plaintask/internal/otel"
)

// LogConfig controls rotation of logs/system.jsonl.
type LogConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Root holds the marker file and the tasks/ tree. It may be a shared or
	// synced directory; the journal never lives there.
	Root        string `yaml:"root"`
	JournalPath string `yaml:"journal_path"`
	LogLevel    string `yaml:"log_level"`

	DebounceMS          int  `yaml:"debounce_ms"`
	CoalesceMS          int  `yaml:"coalesce_ms"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	ForcePoll           bool `yaml:"force_poll"`

	// Cron expressions (robfig syntax, descriptors allowed) for maintenance.
	RescanSchedule     string `yaml:"rescan_schedule"`
	CheckpointSchedule string `yaml:"checkpoint_schedule"`

	Log       LogConfig   `yaml:"log"`
	Telemetry otel.Config `yaml:"telemetry"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c Config) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that need a restart to
// take effect. A reload that changes it is only partially applied.
func (c Config) Fingerprint() string {
	h := xxhash.New()
	fmt.Fprintf(h, "root=%s|journal=%s|debounce=%d|coalesce=%d|poll=%d|force=%t|rescan=%s|checkpoint=%s",
		c.Root, c.JournalPath, c.DebounceMS, c.CoalesceMS, c.PollIntervalSeconds, c.ForcePoll,
		c.RescanSchedule, c.CheckpointSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(home string) Config {
	return Config{
		HomeDir:             home,
		Root:                home,
		JournalPath:         filepath.Join(home, "journal.db"),
		LogLevel:            "info",
		DebounceMS:          500,
		CoalesceMS:          200,
		PollIntervalSeconds: 5,
		RescanSchedule:      "@every 15m",
		CheckpointSchedule:  "@hourly",
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Telemetry: otel.Config{Exporter: "none"},
	}
}

func HomeDir() string {
	if override := os.Getenv("PLAINTASK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".plaintask")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml in home. Precedence is defaults, then the file,
// then PLAINTASK_* environment variables.
func LoadFrom(home string) (Config, error) {
	cfg := defaultConfig(home)

	if err := os.MkdirAll(home, 0o755); err != nil {
		return cfg, fmt.Errorf("create plaintask home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(home))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(bytes.TrimSpace(data)) > 0 {
		if err := validate(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// validate checks the raw file against the embedded schema so unknown keys
// and wrong types are reported before defaults hide them.
func validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees json.Number values.
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml does not match schema: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = cfg.HomeDir
	}
	cfg.Root = expandHome(cfg.Root)
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.HomeDir, "journal.db")
	}
	cfg.JournalPath = expandHome(cfg.JournalPath)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 500
	}
	if cfg.CoalesceMS <= 0 {
		cfg.CoalesceMS = 200
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PLAINTASK_ROOT"); raw != "" {
		cfg.Root = raw
	}
	if raw := os.Getenv("PLAINTASK_JOURNAL"); raw != "" {
		cfg.JournalPath = raw
	}
	if raw := os.Getenv("PLAINTASK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PLAINTASK_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DebounceMS = v
		}
	}
	if raw := os.Getenv("PLAINTASK_FORCE_POLL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.ForcePoll = v
		}
	}
	if raw := os.Getenv("PLAINTASK_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = raw != "none"
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("PLAINTASK_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

// WriteDefault creates config.yaml in home with the default settings. An
// existing file is left alone.
func WriteDefault(home string) (bool, error) {
	path := ConfigPath(home)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return false, fmt.Errorf("create plaintask home: %w", err)
	}
	cfg := defaultConfig(home)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
