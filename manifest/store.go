package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/stackctl/core"
	"github.com/INLOpen/stackctl/sys"
)

// StoreOptions configures a Store. Zero values select the package defaults.
type StoreOptions struct {
	// Path is the manifest file.
	Path string
	// InstallRoot is recorded in newly created manifests.
	InstallRoot string

	LockRetries       int
	LockRetryInterval time.Duration
	LockStaleTTL      time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
	Clock  clock.Clock
}

// Store reads and writes one manifest file. Every mutation is a locked
// read-modify-write guarded by the revision counter, so two writers can never
// silently overwrite each other.
type Store struct {
	path        string
	installRoot string

	lockRetries  int
	lockInterval time.Duration
	lockStaleTTL time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/stackctl/manifest")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Store{
		path:         opts.Path,
		installRoot:  opts.InstallRoot,
		lockRetries:  opts.LockRetries,
		lockInterval: opts.LockRetryInterval,
		lockStaleTTL: opts.LockStaleTTL,
		logger:       logger.With("component", "ManifestStore"),
		tracer:       tracer,
		clock:        clk,
	}
	if s.installRoot == "" {
		s.installRoot = filepath.Dir(opts.Path)
	}
	if s.lockRetries <= 0 {
		s.lockRetries = 50
	}
	if s.lockInterval <= 0 {
		s.lockInterval = 100 * time.Millisecond
	}
	if s.lockStaleTTL == 0 {
		s.lockStaleTTL = sys.DefaultLockStaleTTL
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Exists reports whether the manifest file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Read loads the manifest. It returns core.ErrNotFound when the file is
// absent and core.ErrCorrupt when it cannot be parsed.
func (s *Store) Read() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("manifest %s: %w", s.path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", s.path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", s.path, err)
	}
	return m, nil
}

// Default returns a fresh manifest for this store's installation root.
func (s *Store) Default() *Manifest {
	return New(s.installRoot, s.clock.Now())
}

func (s *Store) lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	release, err := sys.AcquireFileLock(s.path, s.lockRetries, s.lockInterval, s.lockStaleTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock manifest: %w", err)
	}
	return release, nil
}

// diskRevision returns the revision currently on disk, 0 when absent. A
// corrupt file is reported so it is never silently replaced by a CAS write.
func (s *Store) diskRevision() (uint64, error) {
	m, err := s.Read()
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return m.Revision, nil
}

func (s *Store) writeLocked(m *Manifest, revision uint64) error {
	m.SchemaVersion = SchemaVersion
	m.Revision = revision
	m.normalize()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := sys.WriteFileAtomic(s.path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Write overwrites the manifest unconditionally. The stored revision is
// advanced past both m's revision and the one on disk.
func (s *Store) Write(m *Manifest) error {
	release, err := s.lock()
	if err != nil {
		return err
	}
	defer release()

	onDisk, err := s.diskRevision()
	if err != nil && !errors.Is(err, core.ErrCorrupt) {
		return err
	}
	next := m.Revision
	if onDisk > next {
		next = onDisk
	}
	return s.writeLocked(m, next+1)
}

// WriteIfRevision writes m only if the on-disk revision still equals
// expected. It returns core.ErrStaleManifest otherwise.
func (s *Store) WriteIfRevision(m *Manifest, expected uint64) error {
	release, err := s.lock()
	if err != nil {
		return err
	}
	defer release()

	onDisk, err := s.diskRevision()
	if err != nil {
		return err
	}
	if onDisk != expected {
		return fmt.Errorf("expected revision %d, found %d: %w", expected, onDisk, core.ErrStaleManifest)
	}
	return s.writeLocked(m, expected+1)
}

// Ensure returns the manifest, creating and persisting a default one when absent.
func (s *Store) Ensure(ctx context.Context) (*Manifest, error) {
	m, err := s.Read()
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return s.Update(ctx, func(*Manifest) error { return nil })
}

// Update runs fn against the current manifest (or a default one when absent)
// while holding the manifest lock, then persists the result with the next
// revision. An error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, fn func(m *Manifest) error) (*Manifest, error) {
	_, span := s.tracer.Start(ctx, "ManifestStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("manifest.path", s.path))

	release, err := s.lock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	m, err := s.Read()
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			span.RecordError(err)
			return nil, err
		}
		m = s.Default()
	}
	expected := m.Revision
	if err := fn(m); err != nil {
		return nil, err
	}

	onDisk, err := s.diskRevision()
	if err != nil {
		return nil, err
	}
	if onDisk != expected {
		return nil, fmt.Errorf("expected revision %d, found %d: %w", expected, onDisk, core.ErrStaleManifest)
	}
	if err := s.writeLocked(m, expected+1); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("manifest.revision", int64(m.Revision)))
	return m, nil
}

// SetActiveVersion makes v active. See Manifest.SetActive.
func (s *Store) SetActiveVersion(ctx context.Context, v string) error {
	_, err := s.Update(ctx, func(m *Manifest) error {
		old := m.ActiveVersion
		m.SetActive(v, s.clock.Now())
		if old != v {
			s.logger.Info("Active version changed.", "from", old, "to", v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set active version %s: %w", v, err)
	}
	return nil
}

func (s *Store) AddVersion(ctx context.Context, v string, status Status) error {
	_, err := s.Update(ctx, func(m *Manifest) error {
		m.AddVersion(v, status, s.clock.Now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add version %s: %w", v, err)
	}
	return nil
}

// RemoveVersion is a no-op when v is not recorded.
func (s *Store) RemoveVersion(ctx context.Context, v string) error {
	_, err := s.Update(ctx, func(m *Manifest) error {
		m.RemoveVersion(v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove version %s: %w", v, err)
	}
	return nil
}

func (s *Store) MarkSetupComplete(ctx context.Context) error {
	_, err := s.Update(ctx, func(m *Manifest) error {
		m.SetupComplete = true
		return nil
	})
	return err
}

// ActiveVersion returns "" when there is no manifest or no active version.
func (s *Store) ActiveVersion() (string, error) {
	m, err := s.Read()
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return m.ActiveVersion, nil
}

// VersionInfo returns core.ErrNotFound when v is not recorded.
func (s *Store) VersionInfo(v string) (*VersionInfo, error) {
	m, err := s.Read()
	if err != nil {
		return nil, err
	}
	info, ok := m.Versions[v]
	if !ok {
		return nil, fmt.Errorf("version %s: %w", v, core.ErrNotFound)
	}
	return info, nil
}

func (s *Store) History() ([]HistoryEntry, error) {
	m, err := s.Read()
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return []HistoryEntry{}, nil
		}
		return nil, err
	}
	return m.UpdateHistory, nil
}

func (s *Store) SetupComplete() (bool, error) {
	m, err := s.Read()
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.SetupComplete, nil
}
