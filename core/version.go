package core

import (
	"strconv"
	"strings"
)

// Version is the parsed numeric form of a dotted version string such as
// "0.1.12". A string that does not parse yields the zero Version, so it sorts
// below every valid release.
type Version struct {
	Parts []int
	Raw   string
}

// StripV removes a single leading "v" or "V" and surrounding whitespace.
func StripV(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		return s[1:]
	}
	return s
}

// ParseVersion parses a dotted numeric version. An optional leading "v" is
// accepted. Empty components, signs and non-digit characters are rejected.
func ParseVersion(s string) (Version, error) {
	raw := StripV(s)
	if raw == "" {
		return Version{}, &ValidationError{Field: "version", Value: s, Message: "empty version"}
	}
	fields := strings.Split(raw, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return Version{}, &ValidationError{Field: "version", Value: s, Message: "components must be non-negative integers"}
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, &ValidationError{Field: "version", Value: s, Message: err.Error()}
		}
		parts = append(parts, n)
	}
	return Version{Parts: parts, Raw: raw}, nil
}

// MustParseVersion returns the zero Version on parse failure.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		return Version{Raw: StripV(s)}
	}
	return v
}

// IsValidVersion reports whether s parses as a dotted numeric version.
func IsValidVersion(s string) bool {
	_, err := ParseVersion(s)
	return err == nil
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero, so
// "1.2" equals "1.2.0".
func (v Version) Compare(o Version) int {
	n := len(v.Parts)
	if len(o.Parts) > n {
		n = len(o.Parts)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.Parts) {
			a = v.Parts[i]
		}
		if i < len(o.Parts) {
			b = o.Parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	if len(v.Parts) == 0 {
		return "0.0.0"
	}
	s := make([]string, len(v.Parts))
	for i, p := range v.Parts {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ".")
}

// CompareVersions compares two version strings numerically. Unparsable input
// compares as 0.0.0.
func CompareVersions(a, b string) int {
	return MustParseVersion(a).Compare(MustParseVersion(b))
}
