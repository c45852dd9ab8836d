package lxi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
)

// ErrDriverTooOld indicates ClientBridge is older than the required minimum
var ErrDriverTooOld = errors.New("ClientBridge driver is older than required")

var versionPattern = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?$`)

// Version is a major.minor.patch driver version.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseVersion parses "v1.2.3", "1.2.3", "1.2" or "1".
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}

	var parts [3]uint32
	for i, p := range m[1:] {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		parts[i] = uint32(n)
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

// Compare returns:
//
//	-1 if v < other
//	 0 if v == other
//	 1 if v > other
func (v Version) Compare(other Version) int {
	for _, d := range [][2]uint32{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
	} {
		if d[0] < d[1] {
			return -1
		}
		if d[0] > d[1] {
			return 1
		}
	}
	return 0
}

// IsOlderThan returns true if v is older than other
func (v Version) IsOlderThan(other Version) bool {
	return v.Compare(other) < 0
}

// IsZero reports whether no version was set.
func (v Version) IsZero() bool {
	return v == Version{}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// SubsystemVersion is what one subsystem reports about itself. The raw value
// has an undocumented encoding and is only shown for diagnostics.
type SubsystemVersion struct {
	Raw     uint32
	Version Version
}

// VersionReport holds the versions of both subsystems.
type VersionReport struct {
	Session SubsystemVersion
	Card    SubsystemVersion
}

// QueryVersions asks both subsystems for their versions. It needs no session.
func QueryVersions(d driver.Drivers) VersionReport {
	return VersionReport{
		Session: SubsystemVersion{Raw: d.Session.Version(), Version: fromInfo(d.Session.VersionEx())},
		Card:    SubsystemVersion{Raw: d.Card.Version(), Version: fromInfo(d.Card.VersionEx())},
	}
}

// CheckMinimum returns ErrDriverTooOld if either subsystem is older than minimum.
// A zero minimum disables the check.
func (r VersionReport) CheckMinimum(minimum Version) error {
	if minimum.IsZero() {
		return nil
	}
	var old []string
	if r.Session.Version.IsOlderThan(minimum) {
		old = append(old, fmt.Sprintf("%s %s", SubsystemSession.Prefix(), r.Session.Version))
	}
	if r.Card.Version.IsOlderThan(minimum) {
		old = append(old, fmt.Sprintf("%s %s", SubsystemCard.Prefix(), r.Card.Version))
	}
	if len(old) > 0 {
		return fmt.Errorf("%w: %s < %s", ErrDriverTooOld, strings.Join(old, ", "), minimum)
	}
	return nil
}

func fromInfo(v driver.VersionInfo) Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}
