package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/stackctl/layout"
)

// WriteFile writes content at the root-relative path rel, creating parents.
func WriteFile(t testing.TB, root, rel, content string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), perm))
	require.NoError(t, os.Chmod(p, perm))
	return p
}

// ReadFile returns the content at the root-relative path rel.
func ReadFile(t testing.TB, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// ArtifactName is the cached artifact file name SeedVersion writes.
func ArtifactName(version string) string {
	return "stackctl-" + version + "-py3-none-any.whl"
}

// SeedVersion creates a provisioned version directory with a cached artifact.
func SeedVersion(t testing.TB, l *layout.Layout, version string) {
	t.Helper()
	require.NoError(t, l.EnsureLayout(version))
	require.NoError(t, os.MkdirAll(l.VenvDir(version), 0755))
	WriteFile(t, l.ArtifactDir(version), ArtifactName(version), "wheel "+version, 0644)
}

// SeedState writes a representative configuration and data tree, including
// files that backups must leave out.
func SeedState(t testing.TB, l *layout.Layout) {
	t.Helper()
	WriteFile(t, l.Root, "config/stack.yaml", "domain: example.org\n", 0644)
	WriteFile(t, l.Root, "config/traefik/dynamic.yml", "http: {}\n", 0644)
	WriteFile(t, l.Root, "config/hooks/post-start.sh", "#!/bin/sh\n", 0755)
	WriteFile(t, l.Root, "data/traefik/acme.json", `{"certs":[]}`, 0600)
	WriteFile(t, l.Root, "data/traefik/traefik.yml", "entryPoints: {}\n", 0644)
	WriteFile(t, l.Root, "data/traefik/config/routes.yml", "routers: {}\n", 0644)
	WriteFile(t, l.Root, "data/portainer/portainer.db", "db", 0644)
	WriteFile(t, l.Root, "data/portainer/certs/tls.key", "key", 0600)
	WriteFile(t, l.Root, "data/cloudflared/tunnel", "token", 0600)
	WriteFile(t, l.Root, "data/traefik/logs/access.log", "GET /\n", 0644)
}
