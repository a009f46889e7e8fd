package version

import (
	"fmt"
	"strconv"
	"strings"
)

// OSType mirrors the participant os_type column.
type OSType string

const (
	IOS     OSType = "ios"
	Android OSType = "android"
	NoOS    OSType = ""
)

// Error is raised for malformed version inputs. Capability checks treat
// a raised Error as "not capable".
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "version: " + e.Reason }

func errf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// AtLeast reports whether a participant's reported version meets target.
//
// iOS compares version names of the form YYYY.build, exactly two integer
// components, year first then build. Android compares digits-only version
// codes numerically. "missing" is never a valid target or input.
func AtLeast(os OSType, target, versionCode, versionName string) (bool, error) {
	if target == "" || target == "missing" {
		return false, errf("invalid target version %q", target)
	}

	switch os {
	case IOS:
		return iosAtLeast(target, versionName)
	case Android:
		return androidAtLeast(target, versionCode)
	default:
		return false, errf("unsupported os type %q", os)
	}
}

func iosAtLeast(target, name string) (bool, error) {
	ty, tb, err := parseIOS(target)
	if err != nil {
		return false, err
	}
	py, pb, err := parseIOS(name)
	if err != nil {
		return false, err
	}
	if py != ty {
		return py > ty, nil
	}
	return pb >= tb, nil
}

func parseIOS(v string) (year, build int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) != 2 {
		return 0, 0, errf("ios version %q is not YYYY.build", v)
	}
	year, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errf("ios version %q has non-integer year", v)
	}
	build, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errf("ios version %q has non-integer build", v)
	}
	return year, build, nil
}

func androidAtLeast(target, code string) (bool, error) {
	tc, err := strconv.Atoi(target)
	if err != nil {
		return false, errf("android target %q is not an integer", target)
	}
	pc, err := strconv.Atoi(code)
	if err != nil {
		return false, errf("android version code %q is not an integer", code)
	}
	return pc >= tc, nil
}
