package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions compares two semver strings. It returns -1 when a is
// older than b, 0 when they are equal and 1 when a is newer. A leading
// "v" is accepted on either side.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", a, err)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("parse version %q: %w", b, err)
	}
	return va.Compare(vb), nil
}

// IsNewer reports whether candidate is strictly newer than current. The
// Manager uses this to gate hot reloads so a stale file left behind by a
// rolled-back deploy can never clobber a newer running configuration.
func IsNewer(candidate, current string) (bool, error) {
	cmp, err := CompareVersions(candidate, current)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

func isValidVersion(v string) bool {
	_, err := semver.NewVersion(v)
	return err == nil
}
