package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// InstallConfig locates the installation root.
type InstallConfig struct {
	Root            string `yaml:"root"`
	ManagerVersion  string `yaml:"manager_version"`
	LauncherCommand string `yaml:"launcher_command"` // executable the bin/ launcher runs
}

// SizeWatchConfig bounds expected archive sizes, e.g. "1MiB".
type SizeWatchConfig struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

// BackupConfig holds backup creation and retention settings.
type BackupConfig struct {
	KeepVersions     int             `yaml:"keep_versions"`
	MinFree          string          `yaml:"min_free"` // human size, e.g. "512MiB"
	DataPaths        []string        `yaml:"data_paths"`
	ProbeConcurrency int             `yaml:"probe_concurrency"`
	PruneOnUpgrade   bool            `yaml:"prune_on_upgrade"`
	SizeWatch        SizeWatchConfig `yaml:"size_watch"`
}

// VersionsConfig holds version retention settings.
type VersionsConfig struct {
	Keep int `yaml:"keep"`
}

// ProvisionConfig selects how runtimes are built.
type ProvisionConfig struct {
	Mode     string   `yaml:"mode"` // "host" or "simulated"
	Python   string   `yaml:"python"`
	VenvArgs []string `yaml:"venv_args"`
	PipArgs  []string `yaml:"pip_args"`
}

// ReleaseConfig points at the release feed.
type ReleaseConfig struct {
	APIURL           string `yaml:"api_url"`
	Repo             string `yaml:"repo"`    // owner/name
	Package          string `yaml:"package"` // artifact name prefix
	Token            string `yaml:"token"`
	Timeout          string `yaml:"timeout"`
	DownloadAttempts int    `yaml:"download_attempts"`
	RetryDelay       string `yaml:"retry_delay"`
}

// StackConfig drives the container runtime.
type StackConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Binary              string `yaml:"binary"`
	ComposeFile         string `yaml:"compose_file"`
	Project             string `yaml:"project"`
	RestartAfterRestore bool   `yaml:"restart_after_restore"`
}

// MirrorConfig copies backups to an S3-compatible bucket.
type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LockConfig tunes the manifest lock.
type LockConfig struct {
	Retries       int    `yaml:"retries"`
	RetryInterval string `yaml:"retry_interval"`
	StaleTTL      string `yaml:"stale_ttl"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Format     string `yaml:"format"` // "text" or "json"
	Output     string `yaml:"output"` // e.g., "stderr", "file", "none"
	File       string `yaml:"file"`   // Path to the log file, used if output is "file"
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Install   InstallConfig   `yaml:"install"`
	Backup    BackupConfig    `yaml:"backup"`
	Versions  VersionsConfig  `yaml:"versions"`
	Provision ProvisionConfig `yaml:"provision"`
	Release   ReleaseConfig   `yaml:"release"`
	Stack     StackConfig     `yaml:"stack"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Lock      LockConfig      `yaml:"lock"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// ParseBytes parses a human size such as "512MiB" or "2 GB". Returns the
// default if the string is empty or invalid, logging a warning for the latter.
func ParseBytes(sizeStr string, defaultSize uint64, logger *slog.Logger) uint64 {
	if sizeStr == "" {
		return defaultSize
	}
	n, err := humanize.ParseBytes(sizeStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid size format, using default", "input", sizeStr, "default", humanize.IBytes(defaultSize), "error", err)
		}
		return defaultSize
	}
	return n
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Backup.KeepVersions < 1 {
		return fmt.Errorf("backup.keep_versions must be at least 1, got %d", c.Backup.KeepVersions)
	}
	if c.Versions.Keep < 1 {
		return fmt.Errorf("versions.keep must be at least 1, got %d", c.Versions.Keep)
	}
	switch c.Provision.Mode {
	case "host", "simulated":
	default:
		return fmt.Errorf("provision.mode must be \"host\" or \"simulated\", got %q", c.Provision.Mode)
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be \"grpc\" or \"http\", got %q", c.Tracing.Protocol)
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket is required when mirror.enabled is set")
	}
	return nil
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Install: InstallConfig{
			Root:            "/opt/stack",
			LauncherCommand: "stack",
		},
		Backup: BackupConfig{
			KeepVersions:     3,
			MinFree:          "256MiB",
			ProbeConcurrency: 4,
			PruneOnUpgrade:   true,
		},
		Versions: VersionsConfig{
			Keep: 2,
		},
		Provision: ProvisionConfig{
			Mode:   "host",
			Python: "python3",
		},
		Release: ReleaseConfig{
			APIURL:           "https://api.github.com",
			Package:          "stackctl",
			Timeout:          "60s",
			DownloadAttempts: 3,
			RetryDelay:       "1s",
		},
		Stack: StackConfig{
			Enabled:             true,
			Binary:              "docker",
			ComposeFile:         "docker-compose.yaml",
			RestartAfterRestore: false,
		},
		Lock: LockConfig{
			Retries:       50,
			RetryInterval: "100ms",
			StaleTTL:      "10m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			File:       "stackctl.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
