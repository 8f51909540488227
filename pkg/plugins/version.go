package plugins

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// looseVersionRegex accepts the shorter forms dependency constraints use (1, 1.2, 1.2.3.4)
var looseVersionRegex = regexp.MustCompile(`^v?(\d+)(\.\d+){0,3}(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// IsValidSemver checks if a version string follows semantic versioning
func IsValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}

// Version is a parsed version number
type Version struct {
	Parts      []int
	Prerelease string
}

// ParseVersion parses a semantic or shortened version string
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if !looseVersionRegex.MatchString(s) {
		return Version{}, fmt.Errorf("invalid version: %q", s)
	}
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}

	var v Version
	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Prerelease = s[i+1:]
		s = s[:i]
	}
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version component %q: %w", part, err)
		}
		v.Parts = append(v.Parts, n)
	}
	return v, nil
}

// Compare returns -1, 0 or 1
func (v Version) Compare(o Version) int {
	n := len(v.Parts)
	if len(o.Parts) > n {
		n = len(o.Parts)
	}
	for i := 0; i < n; i++ {
		a, b := component(v.Parts, i), component(o.Parts, i)
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return comparePrerelease(v.Prerelease, o.Prerelease)
}

func (v Version) String() string {
	parts := make([]string, len(v.Parts))
	for i, p := range v.Parts {
		parts[i] = strconv.Itoa(p)
	}
	s := strings.Join(parts, ".")
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

func component(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}

// comparePrerelease orders releases after their pre-releases
func comparePrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}

	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.Atoi(as[i])
		bn, bErr := strconv.Atoi(bs[i])
		switch {
		case aErr == nil && bErr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// CompareVersions compares two version strings, falling back to string order
// when either does not parse
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}
