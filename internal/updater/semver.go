package updater

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/blang/semver"
)

var semverPattern = regexp.MustCompile(`(?i)^(\d+)\.(\d+)\.(\d+)(?:-([0-9a-z-]+(?:\.[0-9a-z-]+)*))?(?:\+([0-9a-z-]+(?:\.[0-9a-z-]+)*))?$`)

type SemVer struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
}

func (v SemVer) String() string {
	return v.Format(FormatOptions{IncludeBuild: true})
}

// FormatOptions controls how a parsed version is rendered.
type FormatOptions struct {
	IncludePrefix bool
	IncludeBuild  bool
}

func (v SemVer) Format(opts FormatOptions) string {
	var b strings.Builder
	if opts.IncludePrefix {
		b.WriteByte('v')
	}
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		b.WriteString("-" + v.Prerelease)
	}
	if opts.IncludeBuild && v.Build != "" {
		b.WriteString("+" + v.Build)
	}
	return b.String()
}

// Compare returns -1, 0 or 1. Build metadata never affects the result.
func (v SemVer) Compare(other SemVer) int {
	if c := cmpUint(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmpUint(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmpUint(v.Patch, other.Patch); c != 0 {
		return c
	}

	switch {
	case v.Prerelease == "" && other.Prerelease == "":
		return 0
	case v.Prerelease != "" && other.Prerelease == "":
		return -1
	case v.Prerelease == "" && other.Prerelease != "":
		return 1
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

// IsNewer returns true if v is a newer version than other.
func (v SemVer) IsNewer(other SemVer) bool {
	return v.Compare(other) > 0
}

// ParseSemVer parses "1.2.3", "v1.2.3", "1.2.3-beta.1+build.5" and similar.
// Two-part and single-part versions are rejected.
func ParseSemVer(s string) (SemVer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(s), "v")
	m := semverPattern.FindStringSubmatch(clean)
	if m == nil {
		return SemVer{}, fmt.Errorf("invalid semver: %q", s)
	}

	major, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return SemVer{}, fmt.Errorf("invalid major version: %q", m[1])
	}
	minor, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return SemVer{}, fmt.Errorf("invalid minor version: %q", m[2])
	}
	patch, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return SemVer{}, fmt.Errorf("invalid patch version: %q", m[3])
	}

	return SemVer{Major: major, Minor: minor, Patch: patch, Prerelease: m[4], Build: m[5]}, nil
}

// IsValidVersion reports whether s is a full semantic version.
func IsValidVersion(s string) bool {
	_, err := ParseSemVer(s)
	return err == nil
}

// CompareVersions compares two version strings. If either side does not
// parse, the raw strings are compared lexicographically instead.
func CompareVersions(a, b string) int {
	va, errA := ParseSemVer(a)
	vb, errB := ParseSemVer(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// IsNewerVersion reports whether a is newer than b.
func IsNewerVersion(a, b string) bool {
	return CompareVersions(a, b) > 0
}

// FormatVersion normalizes a version string. Unparseable input is returned unchanged.
func FormatVersion(s string, opts FormatOptions) string {
	v, err := ParseSemVer(s)
	if err != nil {
		return s
	}
	return v.Format(opts)
}

func comparePrerelease(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")

	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := prereleaseIdent(pa[i]).Compare(prereleaseIdent(pb[i])); c != 0 {
			return c
		}
	}
	return cmpUint(uint64(len(pa)), uint64(len(pb)))
}

// prereleaseIdent treats an identifier as numeric only when it round-trips
// through its decimal form, so "01" sorts as alphanumeric.
func prereleaseIdent(s string) semver.PRVersion {
	n, err := strconv.ParseUint(s, 10, 64)
	if err == nil && strconv.FormatUint(n, 10) == s {
		return semver.PRVersion{VersionNum: n, IsNum: true}
	}
	return semver.PRVersion{VersionStr: s}
}

func cmpUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
