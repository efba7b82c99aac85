package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/stackctl/core"
)

func provision(t *testing.T, l *Layout, v string) {
	t.Helper()
	require.NoError(t, l.EnsureLayout(v))
	require.NoError(t, os.MkdirAll(l.VenvDir(v), 0755))
}

func TestEnsureLayout_Idempotent(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.EnsureLayout("0.1.0"))
	require.NoError(t, l.EnsureLayout("0.1.0"))

	for _, d := range []string{
		"versions/0.1.0/cli", "versions/0.1.0/artifact", "versions/0.1.0/build",
		"config/traefik", "data/traefik/config", "data/portainer", "data/cloudflared",
		"bin", "backups",
	} {
		info, err := os.Stat(filepath.Join(l.Root, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	assert.False(t, l.IsProvisioned("0.1.0"))
}

func TestUpdateCurrent(t *testing.T) {
	l := New(t.TempDir())
	provision(t, l, "0.1.0")
	provision(t, l, "0.2.0")

	_, err := l.CurrentVersion()
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, l.UpdateCurrent("0.1.0"))
	v, err := l.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", v)

	require.NoError(t, l.UpdateCurrent("0.2.0"))
	dir, err := l.ActiveVersionDir()
	require.NoError(t, err)
	assert.Equal(t, l.VersionDir("0.2.0"), dir)

	target, err := os.Readlink(l.CurrentLink())
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(target), "pointer must be relative")

	err = l.UpdateCurrent("9.9.9")
	assert.ErrorIs(t, err, core.ErrNotFound)
	v, err = l.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", v, "failed switch must leave the pointer untouched")
}

func TestListInstalledVersions(t *testing.T) {
	l := New(t.TempDir())

	versions, err := l.ListInstalledVersions()
	require.NoError(t, err)
	assert.Empty(t, versions)

	for _, v := range []string{"0.1.9", "0.1.12", "0.2.0", "nightly"} {
		provision(t, l, v)
	}
	// not provisioned
	require.NoError(t, l.EnsureLayout("0.3.0"))
	// hidden
	require.NoError(t, os.MkdirAll(filepath.Join(l.VersionsDir(), ".0.9.0.tmp", "cli", "venv"), 0755))
	// stray file
	require.NoError(t, os.WriteFile(filepath.Join(l.VersionsDir(), "README"), []byte("x"), 0644))

	versions, err = l.ListInstalledVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"0.2.0", "0.1.12", "0.1.9", "nightly"}, versions)
}

func TestWriteLauncher(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.WriteLauncher("syrvis"))

	info, err := os.Stat(l.LauncherPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	data, err := os.ReadFile(l.LauncherPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join("current", "cli", "venv", "bin", "syrvis"))
}
