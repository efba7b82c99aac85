package release

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/stackctl/core"
)

func asset(name, base string) map[string]any {
	return map[string]any{"name": name, "browser_download_url": base + "/dl/" + name}
}

func newGitHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/acme/stack/releases", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github.v3+json", r.Header.Get("Accept"))
		releases := []map[string]any{
			{"tag_name": "manager-v1.0.0", "assets": []any{asset("stackctl_manager-1.0.0-py3-none-any.whl", srv.URL)}},
			{"tag_name": "v0.3.0", "prerelease": true},
			{"tag_name": "v0.2.5", "draft": true},
			{
				"tag_name": "v0.2.0",
				"body":     "Bug fixes.",
				"assets": []any{
					asset("config.yaml", srv.URL),
					asset("other-0.2.0-py3-none-any.whl", srv.URL),
					asset("stackctl-0.2.0-py3-none-any.whl", srv.URL),
				},
			},
			{"tag_name": "v0.1.0"},
		}
		_ = json.NewEncoder(w).Encode(releases)
	})
	mux.HandleFunc("/repos/acme/stack/releases/tags/v0.1.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag_name": "v0.1.0",
			"assets":   []any{asset("stackctl-0.1.0-py3-none-any.whl", srv.URL)},
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSource(srv *httptest.Server) *GitHubSource {
	return NewGitHubSource(GitHubSourceOptions{
		APIURL:  srv.URL,
		Repo:    "acme/stack",
		Package: "stackctl",
		Client:  srv.Client(),
		Tracer:  noop.NewTracerProvider().Tracer("test"),
	})
}

func TestGitHubSource_LatestSkipsManagerPrereleaseAndDraft(t *testing.T) {
	srv := newGitHubServer(t)
	src := newTestSource(srv)

	d, err := src.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", d.Version)
	assert.Equal(t, "v0.2.0", d.Tag)
	assert.Equal(t, "stackctl-0.2.0-py3-none-any.whl", d.ArtifactName)
	assert.Equal(t, srv.URL+"/dl/stackctl-0.2.0-py3-none-any.whl", d.ArtifactURL)
	assert.Equal(t, srv.URL+"/dl/config.yaml", d.ConfigTemplateURL)
	assert.Equal(t, "Bug fixes.", d.Notes)
}

func TestGitHubSource_ByTag(t *testing.T) {
	srv := newGitHubServer(t)
	src := newTestSource(srv)
	ctx := context.Background()

	for _, v := range []string{"0.1.0", "v0.1.0"} {
		d, err := src.ByTag(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, "0.1.0", d.Version)
		assert.Equal(t, "stackctl-0.1.0-py3-none-any.whl", d.ArtifactName)
		assert.Empty(t, d.ConfigTemplateURL)
	}

	_, err := src.ByTag(ctx, "9.9.9")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestGitHubSource_List(t *testing.T) {
	srv := newGitHubServer(t)
	list, err := newTestSource(srv).List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "manager-v1.0.0", list[0].Tag)
}

func TestGitHubSource_LatestNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"tag_name":"manager-v2.0.0"}]`))
	}))
	defer srv.Close()
	_, err := newTestSource(srv).Latest(context.Background())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func newTestDownloader(srv *httptest.Server) *Downloader {
	return NewDownloader(DownloaderOptions{
		Client:   srv.Client(),
		Attempts: 3,
		Delay:    time.Millisecond,
		Tracer:   noop.NewTracerProvider().Tracer("test"),
	})
}

func TestDownloader_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("wheel-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact", "a.whl")
	n, err := newTestDownloader(srv).Download(context.Background(), srv.URL+"/a.whl", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("wheel-bytes")), n)
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "wheel-bytes", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files may be left behind")
}

func TestDownloader_ClientErrorIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "a.whl")
	_, err := newTestDownloader(srv).Download(context.Background(), srv.URL+"/a.whl", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
	assert.NoFileExists(t, dest)
}

func TestDownloader_GivesUpAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestDownloader(srv).Download(context.Background(), srv.URL+"/a.whl", filepath.Join(t.TempDir(), "a.whl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(3), hits.Load())
}
