// Package version converts four-component release versions to sortable
// integers and back.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	majorFactor = 10_000_000_000
	minorFactor = 100_000_000
	buildFactor = 1_000_000

	maxMinor    = 99
	maxBuild    = 99
	maxRevision = 999_999
	maxMajor    = 922_337_202 // keeps Sortable within int64
)

// ParseError reports a version string that cannot be encoded.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// Version is a major.minor.build.revision release version.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// Parse parses exactly four dot-separated non-negative integers.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Version{}, &ParseError{Input: s, Reason: "expected 4 components"}
	}
	return fromParts(s, parts)
}

// ParseLoose accepts two to four components and zero-fills the rest. It is
// meant for runtime versions reported by clients, which are often shorter.
func ParseLoose(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 4 {
		return Version{}, &ParseError{Input: s, Reason: "expected 2 to 4 components"}
	}
	for len(parts) < 4 {
		parts = append(parts, "0")
	}
	return fromParts(s, parts)
}

func fromParts(input string, parts []string) (Version, error) {
	var nums [4]int
	for i, p := range parts {
		if p == "" {
			return Version{}, &ParseError{Input: input, Reason: "empty component"}
		}
		for j := 0; j < len(p); j++ {
			if p[j] < '0' || p[j] > '9' {
				return Version{}, &ParseError{Input: input, Reason: fmt.Sprintf("component %q is not a number", p)}
			}
		}
		if len(p) > 1 && p[0] == '0' {
			return Version{}, &ParseError{Input: input, Reason: fmt.Sprintf("component %q has a leading zero", p)}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, &ParseError{Input: input, Reason: err.Error()}
		}
		nums[i] = n
	}

	v := Version{Major: nums[0], Minor: nums[1], Build: nums[2], Revision: nums[3]}
	switch {
	case v.Major > maxMajor:
		return Version{}, &ParseError{Input: input, Reason: "major out of range"}
	case v.Minor > maxMinor:
		return Version{}, &ParseError{Input: input, Reason: "minor out of range"}
	case v.Build > maxBuild:
		return Version{}, &ParseError{Input: input, Reason: "build out of range"}
	case v.Revision > maxRevision:
		return Version{}, &ParseError{Input: input, Reason: "revision out of range"}
	}
	return v, nil
}

// Sortable returns the monotonic integer encoding of v.
func (v Version) Sortable() int64 {
	return int64(v.Major)*majorFactor +
		int64(v.Minor)*minorFactor +
		int64(v.Build)*buildFactor +
		int64(v.Revision)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Encode parses s and returns its sortable encoding.
func Encode(s string) (int64, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return v.Sortable(), nil
}

// Decode reverses Encode.
func Decode(n int64) string {
	return FromSortable(n).String()
}

// FromSortable splits a sortable encoding back into components.
func FromSortable(n int64) Version {
	return Version{
		Major:    int(n / majorFactor),
		Minor:    int(n % majorFactor / minorFactor),
		Build:    int(n % minorFactor / buildFactor),
		Revision: int(n % buildFactor),
	}
}

// Valid reports whether s is a well-formed four-component version.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Compare returns -1, 0 or 1 ordering a against b.
func Compare(a, b Version) int {
	x, y := a.Sortable(), b.Sortable()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
