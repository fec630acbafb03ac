// Package config loads the sheriff's YAML configuration.
//
// A config path is either a single YAML file or a directory whose *.yaml and
// *.yml files are merged in name order (later files win key by key). Defaults
// are applied first so a file only needs the keys it changes; Normalize then
// clamps invalid values back to their defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete sheriff configuration.
type Config struct {
	Sheriff   SheriffConfig   `yaml:"sheriff"`
	Console   ConsoleConfig   `yaml:"console"`
	UI        UIConfig        `yaml:"ui"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Archive   ArchiveConfig   `yaml:"archive"`

	// LoadedFrom is the file or directory the config was read from; empty
	// when only defaults are in effect.
	LoadedFrom string `yaml:"-"`
}

// SheriffConfig identifies this console.
type SheriffConfig struct {
	Name string `yaml:"name"`
	// Observer starts the console read-only.
	Observer bool `yaml:"observer"`
}

// ConsoleConfig tunes the dispatch loop.
type ConsoleConfig struct {
	ReconcileIntervalMS int `yaml:"reconcile_interval_ms"`
	RateTickMS          int `yaml:"rate_tick_ms"`
	RateLimitBytes      int `yaml:"rate_limit_bytes"`
	RateBuckets         int `yaml:"rate_buckets"`
	LogMaxLines         int `yaml:"log_max_lines"`
	EventQueue          int `yaml:"event_queue"`

	// StatsIntervalSeconds paces the periodic traffic summary in the log.
	StatsIntervalSeconds int `yaml:"stats_interval_seconds"`
}

// UIConfig selects and tunes the render adapter.
type UIConfig struct {
	// Mode is "tview" or "headless".
	Mode        string `yaml:"mode"`
	TargetFPS   int    `yaml:"target_fps"`
	EnableMouse bool   `yaml:"enable_mouse"`
}

// LoggingConfig controls the daily log file.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelemetryConfig is the MQTT bridge.
type TelemetryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Port            int    `yaml:"port"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
}

// ArchiveConfig is the SQLite transcript archive.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	RetentionDays          int    `yaml:"retention_days"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
	PreflightTimeoutMS     int    `yaml:"preflight_timeout_ms"`
	// Synchronous is the SQLite synchronous pragma: off, normal or full.
	Synchronous string `yaml:"synchronous"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Sheriff: SheriffConfig{Name: defaultSheriffName()},
		Console: ConsoleConfig{
			ReconcileIntervalMS: 300,
			RateTickMS:          500,
			RateLimitBytes:      10000,
			RateBuckets:         6,
			LogMaxLines:         2000,
			EventQueue:          4096,

			StatsIntervalSeconds: 60,
		},
		UI: UIConfig{Mode: "tview", TargetFPS: 30, EnableMouse: true},
		Logging: LoggingConfig{
			Dir:           filepath.Join("data", "logs"),
			RetentionDays: 7,
		},
		Telemetry: TelemetryConfig{
			Broker:          "localhost",
			Port:            1883,
			TopicPrefix:     "procman",
			MaxPayloadBytes: 1 << 20,
		},
		Archive: ArchiveConfig{
			DBPath:                 filepath.Join("data", "archive", "transcript.db"),
			QueueSize:              10000,
			BatchSize:              500,
			BatchIntervalMS:        200,
			RetentionDays:          7,
			CleanupIntervalSeconds: 3600,
			BusyTimeoutMS:          1000,
			PreflightTimeoutMS:     2000,
			Synchronous:            "normal",
		},
	}
}

func defaultSheriffName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "sheriff"
	}
	return "sheriff-" + host
}

// Load reads path (a file or a directory of YAML files) over the defaults.
// A missing path is reported with an error satisfying os.IsNotExist.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config: load: empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		if files, err = yamlFiles(path); err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("config: load: no YAML files in %s", path)
		}
	}

	merged := map[string]any{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
		mergeMaps(merged, doc)
	}
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: merge: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Normalize()
	cfg.LoadedFrom = path
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge key by key; any
// other value replaces what dst held.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// Normalize replaces out-of-range values with defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Default()
	c.Sheriff.Name = strings.TrimSpace(c.Sheriff.Name)
	if c.Sheriff.Name == "" {
		c.Sheriff.Name = def.Sheriff.Name
	}

	clampPositive(&c.Console.ReconcileIntervalMS, def.Console.ReconcileIntervalMS)
	clampPositive(&c.Console.RateTickMS, def.Console.RateTickMS)
	clampPositive(&c.Console.RateLimitBytes, def.Console.RateLimitBytes)
	clampPositive(&c.Console.RateBuckets, def.Console.RateBuckets)
	clampPositive(&c.Console.LogMaxLines, def.Console.LogMaxLines)
	clampPositive(&c.Console.EventQueue, def.Console.EventQueue)
	clampPositive(&c.Console.StatsIntervalSeconds, def.Console.StatsIntervalSeconds)

	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	if c.UI.Mode == "" {
		c.UI.Mode = def.UI.Mode
	}
	clampPositive(&c.UI.TargetFPS, def.UI.TargetFPS)

	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	clampPositive(&c.Logging.RetentionDays, def.Logging.RetentionDays)

	if strings.TrimSpace(c.Telemetry.Broker) == "" {
		c.Telemetry.Broker = def.Telemetry.Broker
	}
	clampPositive(&c.Telemetry.Port, def.Telemetry.Port)
	c.Telemetry.TopicPrefix = strings.Trim(strings.TrimSpace(c.Telemetry.TopicPrefix), "/")
	if c.Telemetry.TopicPrefix == "" {
		c.Telemetry.TopicPrefix = def.Telemetry.TopicPrefix
	}
	if c.Telemetry.MaxPayloadBytes < 0 {
		c.Telemetry.MaxPayloadBytes = def.Telemetry.MaxPayloadBytes
	}

	if strings.TrimSpace(c.Archive.DBPath) == "" {
		c.Archive.DBPath = def.Archive.DBPath
	}
	clampPositive(&c.Archive.QueueSize, def.Archive.QueueSize)
	clampPositive(&c.Archive.BatchSize, def.Archive.BatchSize)
	clampPositive(&c.Archive.BatchIntervalMS, def.Archive.BatchIntervalMS)
	clampPositive(&c.Archive.RetentionDays, def.Archive.RetentionDays)
	clampPositive(&c.Archive.CleanupIntervalSeconds, def.Archive.CleanupIntervalSeconds)
	if c.Archive.BusyTimeoutMS < 0 {
		c.Archive.BusyTimeoutMS = def.Archive.BusyTimeoutMS
	}
	clampPositive(&c.Archive.PreflightTimeoutMS, def.Archive.PreflightTimeoutMS)
	switch strings.ToLower(strings.TrimSpace(c.Archive.Synchronous)) {
	case "off", "normal", "full":
		c.Archive.Synchronous = strings.ToLower(strings.TrimSpace(c.Archive.Synchronous))
	default:
		c.Archive.Synchronous = def.Archive.Synchronous
	}
}

func clampPositive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Print displays a summary of the configuration.
func (c *Config) Print() {
	if c == nil {
		return
	}
	source := c.LoadedFrom
	if source == "" {
		source = "defaults"
	}
	fmt.Printf("Sheriff: %s (config: %s)\n", c.Sheriff.Name, source)
	if c.Sheriff.Observer {
		fmt.Println("Sheriff: starting in observer mode")
	}
	fmt.Printf("Console: reconcile=%dms rate_tick=%dms rate_limit=%dB/%d buckets scrollback=%d lines\n",
		c.Console.ReconcileIntervalMS, c.Console.RateTickMS, c.Console.RateLimitBytes,
		c.Console.RateBuckets, c.Console.LogMaxLines)
	fmt.Printf("UI: %s (fps=%d mouse=%t)\n", c.UI.Mode, c.UI.TargetFPS, c.UI.EnableMouse)
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if c.Telemetry.Enabled {
		fmt.Printf("Telemetry: %s:%d (prefix: %s)\n", c.Telemetry.Broker, c.Telemetry.Port, c.Telemetry.TopicPrefix)
	}
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %d days, batch %d every %dms)\n",
			c.Archive.DBPath, c.Archive.RetentionDays, c.Archive.BatchSize, c.Archive.BatchIntervalMS)
	}
}
