package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/stackctl/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(StoreOptions{
		Path:              filepath.Join(root, ".stackctl-manifest.json"),
		InstallRoot:       root,
		LockRetries:       400,
		LockRetryInterval: 5 * time.Millisecond,
		Tracer:            noop.NewTracerProvider().Tracer("test"),
		Clock:             testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestStore_ReadMissingAndCorrupt(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read()
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))
	_, err = s.Read()
	assert.ErrorIs(t, err, core.ErrCorrupt)

	_, err = s.Update(context.Background(), func(*Manifest) error { return nil })
	assert.ErrorIs(t, err, core.ErrCorrupt, "a corrupt manifest must not be replaced by a read-modify-write")
}

func TestStore_Ensure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, filepath.Dir(s.Path()), m.InstallPath)
	assert.Empty(t, m.ActiveVersion)
	assert.Equal(t, uint64(1), m.Revision)

	again, err := s.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Revision, "Ensure must not rewrite an existing manifest")
}

func TestStore_SetActiveVersion_HistoryAndInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddVersion(ctx, "0.1.9", StatusAvailable))
	require.NoError(t, s.AddVersion(ctx, "0.1.12", StatusAvailable))

	require.NoError(t, s.SetActiveVersion(ctx, "0.1.9"))
	history, err := s.History()
	require.NoError(t, err)
	assert.Empty(t, history, "first activation has no predecessor")

	require.NoError(t, s.SetActiveVersion(ctx, "0.1.12"))
	require.NoError(t, s.SetActiveVersion(ctx, "0.1.12"))
	require.NoError(t, s.SetActiveVersion(ctx, "0.1.9"))

	m, err := s.Read()
	require.NoError(t, err)
	assert.True(t, m.CheckInvariant())
	assert.Equal(t, "0.1.9", m.ActiveVersion)
	assert.Equal(t, StatusActive, m.Versions["0.1.9"].Status)
	assert.Equal(t, StatusAvailable, m.Versions["0.1.12"].Status)
	require.NotNil(t, m.Versions["0.1.9"].ActivatedAt)

	require.Len(t, m.UpdateHistory, 2)
	assert.Equal(t, HistoryEntry{From: "0.1.9", To: "0.1.12", Timestamp: m.UpdateHistory[0].Timestamp, Type: HistoryUpgrade}, m.UpdateHistory[0])
	assert.Equal(t, HistoryRollback, m.UpdateHistory[1].Type)
	assert.Equal(t, "0.1.12", m.UpdateHistory[1].From)
}

func TestStore_SetActiveVersion_CreatesMissingEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetActiveVersion(context.Background(), "1.0.0"))

	info, err := s.VersionInfo("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, info.Status)
	assert.False(t, info.InstalledAt.IsZero())
}

func TestStore_AddVersionActiveKeepsSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddVersion(ctx, "0.1.0", StatusActive))
	require.NoError(t, s.AddVersion(ctx, "0.2.0", StatusActive))

	m, err := s.Read()
	require.NoError(t, err)
	assert.True(t, m.CheckInvariant())
	assert.Equal(t, "0.2.0", m.ActiveVersion)
	assert.Empty(t, m.UpdateHistory)
}

func TestStore_RemoveVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddVersion(ctx, "0.1.0", StatusAvailable))

	require.NoError(t, s.RemoveVersion(ctx, "0.1.0"))
	require.NoError(t, s.RemoveVersion(ctx, "0.1.0"), "removing an absent version is a no-op")

	_, err := s.VersionInfo("0.1.0")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_SetupComplete(t *testing.T) {
	s := newTestStore(t)
	done, err := s.SetupComplete()
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkSetupComplete(context.Background()))
	done, err = s.SetupComplete()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStore_WriteIfRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, err := s.Ensure(ctx)
	require.NoError(t, err)
	rev := m.Revision

	// A second writer moves the revision.
	require.NoError(t, s.AddVersion(ctx, "0.1.0", StatusAvailable))

	m.SetupComplete = true
	err = s.WriteIfRevision(m, rev)
	assert.ErrorIs(t, err, core.ErrStaleManifest)

	fresh, err := s.Read()
	require.NoError(t, err)
	assert.Contains(t, fresh.Versions, "0.1.0", "stale write must not clobber the newer manifest")
	assert.False(t, fresh.SetupComplete)

	fresh.SetupComplete = true
	require.NoError(t, s.WriteIfRevision(fresh, fresh.Revision))
}

func TestStore_UpdateAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Ensure(ctx)
	require.NoError(t, err)

	sentinel := errors.New("nope")
	_, err = s.Update(ctx, func(m *Manifest) error {
		m.SetupComplete = true
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	done, err := s.SetupComplete()
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Ensure(ctx)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AddVersion(ctx, "0.0."+string(rune('1'+i)), StatusAvailable)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, m.Versions, writers)
	assert.Equal(t, uint64(1+writers), m.Revision)
}

func TestStore_ReadsOlderSchema(t *testing.T) {
	s := newTestStore(t)
	legacy := map[string]any{
		"schema_version": 1,
		"active_version": "0.1.0",
		"versions": map[string]any{
			"0.1.0": map[string]any{"installed_at": "2025-01-01T00:00:00Z", "status": "active"},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0644))

	m, err := s.Read()
	require.NoError(t, err)
	assert.NotNil(t, m.UpdateHistory)
	assert.False(t, m.SetupComplete)
	assert.True(t, m.CheckInvariant())

	require.NoError(t, s.SetActiveVersion(context.Background(), "0.2.0"))
	m, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	require.Len(t, m.UpdateHistory, 1)
	assert.Equal(t, HistoryUpgrade, m.UpdateHistory[0].Type)
}

func TestManifest_VersionNames(t *testing.T) {
	m := New("/srv/stack", time.Now())
	for _, v := range []string{"0.1.9", "0.1.12", "0.2.0"} {
		m.AddVersion(v, StatusAvailable, time.Now())
	}
	assert.Equal(t, []string{"0.2.0", "0.1.12", "0.1.9"}, m.VersionNames())
}

// manifestOp applies one mutation to a manifest and to the expected active
// version tracked alongside it.
type manifestOp struct {
	kind    string
	version string
}

func randomOps(rng *rand.Rand, n int) []manifestOp {
	kinds := []string{"add-available", "add-active", "set-active", "remove"}
	pool := []string{"0.1.0", "0.2.0", "0.10.0", "1.2", "2.0.0.1"}
	ops := make([]manifestOp, n)
	for i := range ops {
		ops[i] = manifestOp{kind: kinds[rng.Intn(len(kinds))], version: pool[rng.Intn(len(pool))]}
	}
	return ops
}

func nextActive(active string, op manifestOp) string {
	switch op.kind {
	case "add-active", "set-active":
		return op.version
	case "add-available", "remove":
		if active == op.version {
			return ""
		}
	}
	return active
}

func TestManifest_InvariantHoldsForRandomSequences(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			m := New("/volume1/stack", now)
			active := ""
			for step, op := range randomOps(rand.New(rand.NewSource(seed)), 200) {
				history := len(m.UpdateHistory)
				switch op.kind {
				case "add-available":
					m.AddVersion(op.version, StatusAvailable, now)
				case "add-active":
					m.AddVersion(op.version, StatusActive, now)
				case "set-active":
					m.SetActive(op.version, now)
				case "remove":
					m.RemoveVersion(op.version)
				}

				wantHistory := history
				if op.kind == "set-active" && active != "" && active != op.version {
					wantHistory++
				}
				active = nextActive(active, op)

				require.Truef(t, m.CheckInvariant(), "step %d %s %s", step, op.kind, op.version)
				require.Equalf(t, active, m.ActiveVersion, "step %d %s %s", step, op.kind, op.version)
				require.Lenf(t, m.UpdateHistory, wantHistory, "step %d %s %s", step, op.kind, op.version)
			}
		})
	}
}

func TestStore_InvariantHoldsAcrossPersistedSequences(t *testing.T) {
	ctx := context.Background()
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			s := newTestStore(t)
			active := ""
			for step, op := range randomOps(rand.New(rand.NewSource(seed)), 30) {
				var err error
				switch op.kind {
				case "add-available":
					err = s.AddVersion(ctx, op.version, StatusAvailable)
				case "add-active":
					err = s.AddVersion(ctx, op.version, StatusActive)
				case "set-active":
					err = s.SetActiveVersion(ctx, op.version)
				case "remove":
					err = s.RemoveVersion(ctx, op.version)
				}
				require.NoError(t, err)
				active = nextActive(active, op)

				m, err := s.Read()
				require.NoError(t, err)
				require.Truef(t, m.CheckInvariant(), "step %d %s %s", step, op.kind, op.version)
				require.Equalf(t, active, m.ActiveVersion, "step %d %s %s", step, op.kind, op.version)
			}
		})
	}
}
