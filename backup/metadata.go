package backup

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/INLOpen/stackctl/archive"
	"github.com/INLOpen/stackctl/core"
)

const (
	// MetadataMember is always the first member of a backup archive.
	MetadataMember = "backup-metadata.json"
	ManifestMember = "manifest.json"

	MetadataSchemaVersion = 1

	ReasonPreUpgrade = "pre-upgrade"
	ReasonPostSetup  = "post-setup"
	ReasonManual     = "manual"
	ReasonUnknown    = "unknown"

	// ExtraUpgradedTo records the target of the upgrade a pre-upgrade backup preceded.
	ExtraUpgradedTo = "upgraded_to"

	maxMetadataSize = 16 << 20
)

var backupNameRE = regexp.MustCompile(`^(\d+(?:\.\d+)*)(?:-(\d+))?\.tar\.gz$`)

// ParseFilename splits a backup file name into its version and suffix. A
// base backup has suffix 0.
func ParseFilename(name string) (version string, suffix int, ok bool) {
	m := backupNameRE.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			return "", 0, false
		}
		suffix = n
	}
	return m[1], suffix, true
}

// Filename returns "<v>.tar.gz" for suffix 0 and "<v>-<suffix>.tar.gz" otherwise.
func Filename(version string, suffix int) string {
	if suffix > 0 {
		return fmt.Sprintf("%s-%d.tar.gz", version, suffix)
	}
	return version + ".tar.gz"
}

// Metadata is the content of MetadataMember. Extra keys are stored inline
// next to the fixed fields.
type Metadata struct {
	SchemaVersion    int               `json:"backup_schema_version"`
	CreatedAt        time.Time         `json:"created_at"`
	Version          string            `json:"version"`
	ManagerVersion   string            `json:"manager_version"`
	Reason           string            `json:"reason"`
	InstallationRoot string            `json:"installation_root"`
	Files            []archive.Entry   `json:"files"`
	Extra            map[string]string `json:"-"`
}

type metadataFields Metadata

var reservedMetadataKeys = map[string]bool{
	"backup_schema_version": true,
	"created_at":            true,
	"version":               true,
	"manager_version":       true,
	"reason":                true,
	"installation_root":     true,
	"files":                 true,
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	fixed, err := json.Marshal(metadataFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return fixed, nil
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(fixed, &doc); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if reservedMetadataKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		doc[k] = raw
	}
	return json.Marshal(doc)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fixed metadataFields
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = Metadata(fixed)
	for k, raw := range doc {
		if reservedMetadataKeys[k] {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		if m.Extra == nil {
			m.Extra = map[string]string{}
		}
		m.Extra[k] = s
	}
	return nil
}

// readMetadata extracts and parses the metadata member of the archive at p.
func readMetadata(p string) (*Metadata, error) {
	data, err := archive.ReadMember(p, MetadataMember, maxMetadataSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidBackup, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: unparsable metadata: %v", core.ErrInvalidBackup, err)
	}
	return &meta, nil
}
