package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/core"
)

const (
	DefaultAPIURL = "https://api.github.com"

	managerTagPrefix   = "manager-"
	configTemplateName = "config.yaml"
)

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

// GitHubSourceOptions configures a GitHubSource.
type GitHubSourceOptions struct {
	APIURL string
	// Repo is "owner/name".
	Repo string
	// Package is the artifact name prefix, e.g. "stackctl" matches
	// "stackctl-0.2.0-py3-none-any.whl".
	Package string
	Token   string
	Client  *http.Client
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// GitHubSource reads service releases from the GitHub releases API. Manager
// releases (tags starting with "manager-"), drafts and prereleases are
// never returned by Latest.
type GitHubSource struct {
	apiURL string
	repo   string
	pkg    string
	token  string
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

func NewGitHubSource(opts GitHubSourceOptions) *GitHubSource {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/stackctl/release")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	apiURL := strings.TrimRight(opts.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &GitHubSource{
		apiURL: apiURL,
		repo:   opts.Repo,
		pkg:    opts.Package,
		token:  opts.Token,
		client: client,
		logger: logger.With("component", "GitHubSource"),
		tracer: tracer,
	}
}

func (s *GitHubSource) releasesURL() string {
	return fmt.Sprintf("%s/repos/%s/releases", s.apiURL, s.repo)
}

func (s *GitHubSource) get(ctx context.Context, u string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("query %s: unexpected status %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", u, err)
	}
	return resp.StatusCode, nil
}

// List returns up to limit releases as published, newest first, including
// manager releases and prereleases.
func (s *GitHubSource) List(ctx context.Context, limit int) ([]*Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "GitHubSource.List")
	defer span.End()
	if limit <= 0 {
		limit = 10
	}
	var releases []ghRelease
	u := s.releasesURL() + "?" + url.Values{"per_page": {fmt.Sprint(limit)}}.Encode()
	if _, err := s.get(ctx, u, &releases); err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]*Descriptor, 0, len(releases))
	for i := range releases {
		out = append(out, s.describe(&releases[i]))
	}
	return out, nil
}

func (s *GitHubSource) Latest(ctx context.Context) (*Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "GitHubSource.Latest")
	defer span.End()
	span.SetAttributes(attribute.String("release.repo", s.repo))

	var releases []ghRelease
	u := s.releasesURL() + "?" + url.Values{"per_page": {"20"}}.Encode()
	if _, err := s.get(ctx, u, &releases); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i := range releases {
		r := &releases[i]
		if strings.HasPrefix(r.TagName, managerTagPrefix) || r.Prerelease || r.Draft {
			continue
		}
		d := s.describe(r)
		span.SetAttributes(attribute.String("release.version", d.Version))
		return d, nil
	}
	return nil, fmt.Errorf("no service release in %s: %w", s.repo, core.ErrNotFound)
}

// ByTag accepts the version with or without the leading "v".
func (s *GitHubSource) ByTag(ctx context.Context, version string) (*Descriptor, error) {
	ctx, span := s.tracer.Start(ctx, "GitHubSource.ByTag")
	defer span.End()

	tag := version
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}
	span.SetAttributes(attribute.String("release.tag", tag))

	var r ghRelease
	status, err := s.get(ctx, s.releasesURL()+"/tags/"+url.PathEscape(tag), &r)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("release %s: %w", tag, core.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.describe(&r), nil
}

func (s *GitHubSource) describe(r *ghRelease) *Descriptor {
	d := &Descriptor{
		Version:     core.StripV(r.TagName),
		Tag:         r.TagName,
		Notes:       r.Body,
		PublishedAt: r.PublishedAt,
	}
	for _, a := range r.Assets {
		switch {
		case a.Name == configTemplateName:
			d.ConfigTemplateURL = a.BrowserDownloadURL
		case d.ArtifactURL == "" && s.isArtifact(a.Name):
			d.ArtifactURL = a.BrowserDownloadURL
			d.ArtifactName = a.Name
		}
	}
	if d.ArtifactURL == "" {
		s.logger.Debug("Release has no artifact asset.", "tag", r.TagName)
	}
	return d
}

func (s *GitHubSource) isArtifact(name string) bool {
	if !strings.HasSuffix(name, ".whl") || strings.Contains(name, "manager") {
		return false
	}
	if s.pkg == "" {
		return true
	}
	return strings.HasPrefix(name, s.pkg+"-")
}
