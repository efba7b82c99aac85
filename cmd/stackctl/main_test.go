package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/stackctl/config"
	"github.com/INLOpen/stackctl/core"
)

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr string
	}{
		{"text to stderr", config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"}, ""},
		{"json discarded", config.LoggingConfig{Level: "debug", Format: "json", Output: "none"}, ""},
		{"bad level", config.LoggingConfig{Level: "loud", Output: "stderr"}, "invalid log level"},
		{"bad output", config.LoggingConfig{Level: "info", Output: "syslog"}, "invalid log output"},
		{"file without path", config.LoggingConfig{Level: "info", Output: "file"}, "no file path"},
		{"bad format", config.LoggingConfig{Level: "info", Output: "none", Format: "xml"}, "invalid log format"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, _, err := createLogger(tc.cfg)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}

	t.Run("rotating file", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "stackctl.log")
		logger, closer, err := createLogger(config.LoggingConfig{Level: "info", Format: "json", Output: "file", File: logPath, MaxSizeMB: 1})
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Info("hello", "version", "0.1.0")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"version":"0.1.0"`)
	})
}

func TestNewConfirmer(t *testing.T) {
	ctx := context.Background()

	yes := newConfirmer(strings.NewReader(""), &bytes.Buffer{}, true)
	ok, err := yes(ctx, "Reinstall?")
	require.NoError(t, err)
	assert.True(t, ok)

	var prompt bytes.Buffer
	ask := newConfirmer(strings.NewReader("yes\nn\n"), &prompt, false)
	ok, err = ask(ctx, "Reinstall 0.1.0?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Reinstall 0.1.0? [y/N]: ", prompt.String())

	ok, err = ask(ctx, "Again?")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ask(ctx, "At EOF?")
	require.NoError(t, err)
	assert.False(t, ok, "end of input answers no")
}

func TestFailureHint(t *testing.T) {
	assert.Contains(t, failureHint(core.NewStageError(core.StageInstall, errors.New("pip"))), "--force")
	assert.Contains(t, failureHint(fmt.Errorf("uninstall: %w", core.ErrVersionActive)), "activate another version")
	assert.Empty(t, failureHint(errors.New("boom")))
}

// runCLI executes one command line against a fresh root command.
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd, c := newRootCmd(strings.NewReader(""), &out)
	rootCmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	c.close()
	return out.String(), err
}

// writeTestConfig writes a config for a simulated installation under dir and
// returns its path and the installation root.
func writeTestConfig(t *testing.T, dir string) (configPath, root string) {
	t.Helper()
	root = filepath.Join(dir, "stack")
	configPath = filepath.Join(dir, "stackctl.yaml")
	cfg := fmt.Sprintf(`
install:
  root: %q
backup:
  min_free: "1KiB"
provision:
  mode: simulated
stack:
  enabled: false
logging:
  output: none
`, root)
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0644))
	return configPath, root
}

func TestCLI_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	configPath, root := writeTestConfig(t, dir)

	artifact := filepath.Join(dir, "stackctl-0.1.0-py3-none-any.whl")
	require.NoError(t, os.WriteFile(artifact, []byte("wheel"), 0644))

	out, err := runCLI(t, configPath, "versions", "install", "0.1.0", artifact)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed:")

	_, err = runCLI(t, configPath, "versions", "activate", "0.1.0")
	require.NoError(t, err)

	out, err = runCLI(t, configPath, "versions", "list")
	require.NoError(t, err)
	assert.Regexp(t, `0\.1\.0\s+yes\s+yes`, out)

	out, err = runCLI(t, configPath, "backup", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "0.1.0-1.tar.gz")

	out, err = runCLI(t, configPath, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0.1.0-1.tar.gz")
	assert.Contains(t, out, "manual")

	out, err = runCLI(t, configPath, "backup", "verify", filepath.Join(root, "backups", "0.1.0-1.tar.gz"))
	require.NoError(t, err)
	assert.Contains(t, out, "Verified:")

	out, err = runCLI(t, configPath, "status")
	require.NoError(t, err)
	assert.Regexp(t, `Active version:\s+0\.1\.0`, out)

	_, err = runCLI(t, configPath, "versions", "uninstall", "0.1.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrVersionActive)
}

func TestCLI_VersionsRollback(t *testing.T) {
	dir := t.TempDir()
	configPath, _ := writeTestConfig(t, dir)
	for _, v := range []string{"0.1.0", "0.2.0"} {
		artifact := filepath.Join(dir, "stackctl-"+v+"-py3-none-any.whl")
		require.NoError(t, os.WriteFile(artifact, []byte("wheel "+v), 0644))
		_, err := runCLI(t, configPath, "versions", "install", v, artifact)
		require.NoError(t, err)
	}
	_, err := runCLI(t, configPath, "versions", "activate", "0.2.0")
	require.NoError(t, err)

	out, err := runCLI(t, configPath, "versions", "rollback")
	require.NoError(t, err)
	assert.Regexp(t, `Rollback to:\s+0\.1\.0`, out)
	assert.Contains(t, out, "Rollback cancelled.", "no answer on stdin means no")

	out, err = runCLI(t, configPath, "status")
	require.NoError(t, err)
	assert.Regexp(t, `Active version:\s+0\.2\.0`, out)

	out, err = runCLI(t, configPath, "--yes", "versions", "rollback")
	require.NoError(t, err)
	assert.Regexp(t, `Rolled back to:\s+0\.1\.0`, out)

	out, err = runCLI(t, configPath, "status")
	require.NoError(t, err)
	assert.Regexp(t, `Active version:\s+0\.1\.0`, out)
}

func TestCLI_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "stackctl.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("provision:\n  mode: docker\n"), 0644))

	_, err := runCLI(t, configPath, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
