// Package manifest persists the installation's version state: which versions
// are installed, which one is active, and the history of switches between
// them.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/INLOpen/stackctl/core"
)

// SchemaVersion is the schema written by this package. Older manifests are
// read with missing fields defaulted and upgraded on the next write.
const SchemaVersion = 3

type Status string

const (
	StatusAvailable Status = "available"
	StatusActive    Status = "active"
)

// HistoryType classifies an activation relative to the version it replaced.
type HistoryType string

const (
	HistoryUpgrade  HistoryType = "upgrade"
	HistoryRollback HistoryType = "rollback"
)

type VersionInfo struct {
	InstalledAt time.Time  `json:"installed_at"`
	Status      Status     `json:"status"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

type HistoryEntry struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Type      HistoryType `json:"type"`
}

// Manifest is the whole persisted record. It is always read and written as a unit.
type Manifest struct {
	SchemaVersion int                     `json:"schema_version"`
	ActiveVersion string                  `json:"active_version"`
	InstallPath   string                  `json:"install_path"`
	CreatedAt     time.Time               `json:"created_at"`
	SetupComplete bool                    `json:"setup_complete"`
	Versions      map[string]*VersionInfo `json:"versions"`
	UpdateHistory []HistoryEntry          `json:"update_history"`
	Revision      uint64                  `json:"revision"`
}

// New returns an empty manifest for an installation at installPath.
func New(installPath string, now time.Time) *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		InstallPath:   installPath,
		CreatedAt:     now.UTC(),
		Versions:      map[string]*VersionInfo{},
		UpdateHistory: []HistoryEntry{},
	}
}

// Decode parses a manifest document, defaulting fields an older schema lacks.
// Unparsable input yields core.ErrCorrupt.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	m.normalize()
	return &m, nil
}

// normalize fills defaults for fields an older schema may not carry.
func (m *Manifest) normalize() {
	if m.Versions == nil {
		m.Versions = map[string]*VersionInfo{}
	}
	if m.UpdateHistory == nil {
		m.UpdateHistory = []HistoryEntry{}
	}
	for v, info := range m.Versions {
		if info == nil {
			m.Versions[v] = &VersionInfo{Status: StatusAvailable}
			continue
		}
		if info.Status == "" {
			info.Status = StatusAvailable
		}
	}
}

// SetActive makes v the active version. The previously active version becomes
// available and a history entry is appended when the active version changes.
// Entries for v are created when missing.
func (m *Manifest) SetActive(v string, now time.Time) {
	now = now.UTC()
	old := m.ActiveVersion

	for name, info := range m.Versions {
		if name != v && info.Status == StatusActive {
			info.Status = StatusAvailable
		}
	}

	info, ok := m.Versions[v]
	if !ok {
		info = &VersionInfo{InstalledAt: now}
		m.Versions[v] = info
	}
	info.Status = StatusActive
	activated := now
	info.ActivatedAt = &activated
	m.ActiveVersion = v

	if old == "" || old == v {
		return
	}
	kind := HistoryRollback
	if core.CompareVersions(v, old) > 0 {
		kind = HistoryUpgrade
	}
	m.UpdateHistory = append(m.UpdateHistory, HistoryEntry{
		From:      old,
		To:        v,
		Timestamp: now,
		Type:      kind,
	})
}

// AddVersion records v with the given status. Adding an entry as active
// demotes any other active entry and updates ActiveVersion, without a
// history entry.
func (m *Manifest) AddVersion(v string, status Status, now time.Time) {
	now = now.UTC()
	info, ok := m.Versions[v]
	if !ok {
		info = &VersionInfo{InstalledAt: now}
		m.Versions[v] = info
	}
	if status == StatusActive {
		for name, other := range m.Versions {
			if name != v && other.Status == StatusActive {
				other.Status = StatusAvailable
			}
		}
		activated := now
		info.ActivatedAt = &activated
		m.ActiveVersion = v
	} else if m.ActiveVersion == v {
		m.ActiveVersion = ""
	}
	info.Status = status
}

// RemoveVersion deletes v's entry. Removing the active entry clears ActiveVersion.
func (m *Manifest) RemoveVersion(v string) bool {
	if _, ok := m.Versions[v]; !ok {
		return false
	}
	delete(m.Versions, v)
	if m.ActiveVersion == v {
		m.ActiveVersion = ""
	}
	return true
}

// VersionNames returns the recorded versions, newest first.
func (m *Manifest) VersionNames() []string {
	names := make([]string, 0, len(m.Versions))
	for v := range m.Versions {
		names = append(names, v)
	}
	sort.SliceStable(names, func(i, j int) bool {
		if c := core.CompareVersions(names[i], names[j]); c != 0 {
			return c > 0
		}
		return names[i] < names[j]
	})
	return names
}

// CheckInvariant reports whether exactly one entry is active exactly when
// ActiveVersion is set, and that entry is the active version.
func (m *Manifest) CheckInvariant() bool {
	active := 0
	for name, info := range m.Versions {
		if info.Status == StatusActive {
			active++
			if name != m.ActiveVersion {
				return false
			}
		}
	}
	if m.ActiveVersion == "" {
		return active == 0
	}
	return active == 1
}
