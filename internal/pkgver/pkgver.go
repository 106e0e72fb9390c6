// Package pkgver parses tool version strings reported by remote commands.
package pkgver

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseNode parses the output of `node --version` (e.g. "v20.11.1\n").
// Empty output, "command not found" noise, or anything that isn't a
// version is an error.
func ParseNode(output string) (*semver.Version, error) {
	s := strings.TrimSpace(output)
	if s == "" {
		return nil, fmt.Errorf("empty node version output")
	}
	// Only the first line counts; some shells append warnings.
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if !strings.HasPrefix(s, "v") && (s[0] < '0' || s[0] > '9') {
		return nil, fmt.Errorf("unrecognized node version %q", s)
	}

	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("unrecognized node version %q: %w", s, err)
	}
	return v, nil
}

// MajorIs reports whether v has the given major version. A nil v never matches.
func MajorIs(v *semver.Version, major uint64) bool {
	return v != nil && v.Major() == major
}

// SatisfiesMajor reports whether output parses and has the given major version.
func SatisfiesMajor(output string, major uint64) bool {
	v, err := ParseNode(output)
	if err != nil {
		return false
	}
	return MajorIs(v, major)
}
