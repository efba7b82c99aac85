package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
install:
  root: "/srv/edge"
backup:
  keep_versions: 5
  min_free: "1GiB"
  data_paths:
    - data/traefik/acme.json
mirror:
  enabled: true
  bucket: edge-backups
  path_style: true
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "/srv/edge", cfg.Install.Root)
	assert.Equal(t, 5, cfg.Backup.KeepVersions)
	assert.Equal(t, []string{"data/traefik/acme.json"}, cfg.Backup.DataPaths)
	assert.True(t, cfg.Mirror.PathStyle)

	// Check defaults that were not overridden
	assert.Equal(t, 2, cfg.Versions.Keep)
	assert.Equal(t, "stack", cfg.Install.LauncherCommand)
	assert.True(t, cfg.Backup.PruneOnUpgrade)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "/opt/stack", cfg.Install.Root)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 3, cfg.Backup.KeepVersions)
	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
install:
  root: "/srv"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "stackctl.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("versions:\n  keep: 4\n"), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Versions.Keep)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "python3", cfg.Provision.Python)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{"keep versions", func(c *Config) { c.Backup.KeepVersions = 0 }, "backup.keep_versions"},
		{"versions keep", func(c *Config) { c.Versions.Keep = -1 }, "versions.keep"},
		{"provision mode", func(c *Config) { c.Provision.Mode = "docker" }, "provision.mode"},
		{"tracing protocol", func(c *Config) { c.Tracing.Protocol = "udp" }, "tracing.protocol"},
		{"mirror bucket", func(c *Config) { c.Mirror.Enabled = true }, "mirror.bucket"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(nil)
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestParseBytes(t *testing.T) {
	const def = uint64(42)
	testCases := map[string]uint64{
		"":       def,
		"1KiB":   1024,
		"256MiB": 256 << 20,
		"1 GB":   1000 * 1000 * 1000,
		"lots":   def,
	}
	for input, want := range testCases {
		assert.Equal(t, want, ParseBytes(input, def, nil), input)
	}
}
