// Package version owns the durable version record: a semantic version plus a
// prerelease channel, persisted as YAML inside the project and optionally
// mirrored into an external manifest.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"savepoint/internal/errors"
)

// Kind selects how IncrementVersion moves the numbers.
type Kind int

const (
	Patch Kind = iota
	Minor
	Major
	None
	Manual
)

func (k Kind) String() string {
	switch k {
	case Patch:
		return "patch"
	case Minor:
		return "minor"
	case Major:
		return "major"
	case None:
		return "none"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// Channel names accepted by SetChannel.
const (
	ChannelAlpha  = "alpha"
	ChannelBeta   = "beta"
	ChannelStable = "stable"
)

// Record is the persisted version state. At most one of IsAlpha and IsBeta is set.
type Record struct {
	Major                     int  `yaml:"major" json:"major"`
	Minor                     int  `yaml:"minor" json:"minor"`
	Patch                     int  `yaml:"patch" json:"patch"`
	IsAlpha                   bool `yaml:"is_alpha" json:"is_alpha"`
	IsBeta                    bool `yaml:"is_beta" json:"is_beta"`
	IsExternalManifestProject bool `yaml:"external_manifest" json:"external_manifest"`
}

// String renders the record as v{major}.{minor}.{patch}[-A|-B].
func (r Record) String() string {
	return "v" + r.Bare()
}

// Bare renders the record without the leading "v", as written to manifests.
func (r Record) Bare() string {
	return fmt.Sprintf("%d.%d.%d%s", r.Major, r.Minor, r.Patch, r.suffix())
}

func (r Record) suffix() string {
	switch {
	case r.IsAlpha:
		return "-A"
	case r.IsBeta:
		return "-B"
	default:
		return ""
	}
}

// Channel returns alpha, beta or stable.
func (r Record) Channel() string {
	switch {
	case r.IsAlpha:
		return ChannelAlpha
	case r.IsBeta:
		return ChannelBeta
	default:
		return ChannelStable
	}
}

// Compare orders records by major, then minor, then patch. Channels are ignored.
func (r Record) Compare(o Record) int {
	switch {
	case r.Major != o.Major:
		return cmpInt(r.Major, o.Major)
	case r.Minor != o.Minor:
		return cmpInt(r.Minor, o.Minor)
	default:
		return cmpInt(r.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (r Record) valid() bool {
	return r.Major >= 0 && r.Minor >= 0 && r.Patch >= 0 && !(r.IsAlpha && r.IsBeta)
}

// Apply returns r moved according to kind. Manual parses manual; every other
// kind ignores it. Channel flags survive everything except Manual.
func (r Record) Apply(kind Kind, manual string) (Record, error) {
	switch kind {
	case Major:
		r.Major++
		r.Minor = 0
		r.Patch = 0
	case Minor:
		r.Minor++
		r.Patch = 0
	case Patch:
		r.Patch++
	case None:
	case Manual:
		parsed, err := ParseVersion(manual)
		if err != nil {
			return r, err
		}
		r.Major, r.Minor, r.Patch = parsed.Major, parsed.Minor, parsed.Patch
		r.IsAlpha, r.IsBeta = parsed.IsAlpha, parsed.IsBeta
	default:
		return r, errors.Errorf("unknown version increment %d", int(kind))
	}
	return r, nil
}

// ParseVersion parses MAJOR.MINOR.PATCH[-A|-B]. A leading "v" is accepted,
// missing numeric fields default to 0 and the suffix is case-insensitive.
func ParseVersion(s string) (Record, error) {
	var rec Record

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if s == "" {
		return rec, errors.Wrap(errors.ErrInvalidVersion, "empty version")
	}

	numbers, suffix, hasSuffix := strings.Cut(s, "-")
	if hasSuffix {
		switch strings.ToUpper(suffix) {
		case "A":
			rec.IsAlpha = true
		case "B":
			rec.IsBeta = true
		default:
			return Record{}, errors.Wrapf(errors.ErrInvalidVersion, "%q: unknown channel suffix %q", s, suffix)
		}
	}

	fields := strings.Split(numbers, ".")
	if len(fields) > 3 {
		return Record{}, errors.Wrapf(errors.ErrInvalidVersion, "%q: too many fields", s)
	}

	targets := []*int{&rec.Major, &rec.Minor, &rec.Patch}
	for i, field := range fields {
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return Record{}, errors.Wrapf(errors.ErrInvalidVersion, "%q: field %q is not a non-negative integer", s, field)
		}
		*targets[i] = n
	}

	return rec, nil
}
