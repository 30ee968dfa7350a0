package commit

import (
	"strconv"
	"strings"
)

// Version is a library version of the form major.minor.patch with an optional -suffix.
type Version struct {
	Major  uint32
	Minor  uint32
	Patch  uint32
	Suffix string
}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, &InvalidVersionFormatError{Version: s}
	}
	patch, suffix, _ := strings.Cut(parts[2], "-")

	nums := [3]uint32{}
	for i, p := range []string{parts[0], parts[1], patch} {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, &InvalidVersionFormatError{Version: s}
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Suffix: suffix}, nil
}

// Compare orders by major, minor and patch. A version without a suffix sorts before the same
// version with one, and suffixes compare lexically.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]uint32{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		switch {
		case pair[0] < pair[1]:
			return -1
		case pair[0] > pair[1]:
			return 1
		}
	}
	return strings.Compare(v.Suffix, other.Suffix)
}
