// Package release discovers published releases and fetches their assets.
package release

import (
	"context"
	"time"
)

// Descriptor describes one published release.
type Descriptor struct {
	Version           string
	Tag               string
	ArtifactURL       string
	ArtifactName      string
	ConfigTemplateURL string
	Notes             string
	PublishedAt       time.Time
}

// Source finds releases. Both methods return core.ErrNotFound when nothing matches.
type Source interface {
	Latest(ctx context.Context) (*Descriptor, error)
	ByTag(ctx context.Context, version string) (*Descriptor, error)
}
