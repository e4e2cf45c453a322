// Package semver is the registry's version model: it parses semantic versions
// and version-range constraints and defines the candidate ordering used by
// dependency resolution. Pure functions over strings, no I/O.
package semver

import (
	"fmt"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/git-pkgs/registry/internal/core"
)

// MalformedVersionError wraps core.ErrMalformedVersion with the rejected input.
type MalformedVersionError struct {
	Input string
}

func (e *MalformedVersionError) Error() string {
	return fmt.Sprintf("malformed version %q", e.Input)
}

func (e *MalformedVersionError) Unwrap() error {
	return core.ErrMalformedVersion
}

// MalformedConstraintError wraps core.ErrMalformedConstraint with the rejected input.
type MalformedConstraintError struct {
	Input string
}

func (e *MalformedConstraintError) Error() string {
	return fmt.Sprintf("malformed constraint %q", e.Input)
}

func (e *MalformedConstraintError) Unwrap() error {
	return core.ErrMalformedConstraint
}

// Version is a parsed semantic version. Precedence comparison ignores build
// metadata; the original text is preserved for display.
type Version struct {
	orig string
	v    *masterminds.Version
}

// ParseVersion parses a strict major.minor.patch semantic version with
// optional pre-release and build metadata. It never coerces: partial versions
// ("1.2") and leading "v" are malformed.
func ParseVersion(s string) (Version, error) {
	v, err := masterminds.StrictNewVersion(strings.TrimSpace(s))
	if err != nil {
		return Version{}, &MalformedVersionError{Input: s}
	}
	return Version{orig: strings.TrimSpace(s), v: v}, nil
}

// MustParseVersion is ParseVersion for known-good inputs, typically versions
// that were validated at publish time. It panics on malformed input.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) Major() uint64      { return v.v.Major() }
func (v Version) Minor() uint64      { return v.v.Minor() }
func (v Version) Patch() uint64      { return v.v.Patch() }
func (v Version) Prerelease() string { return v.v.Prerelease() }
func (v Version) Metadata() string   { return v.v.Metadata() }

// String returns the version text as it was parsed, build metadata included.
func (v Version) String() string { return v.orig }

// Key returns the canonical precedence key: major.minor.patch plus any
// pre-release identifiers, with build metadata stripped. Two versions with
// equal precedence have equal keys; the ledger uses it as its uniqueness key.
func (v Version) Key() string {
	key := fmt.Sprintf("%d.%d.%d", v.v.Major(), v.v.Minor(), v.v.Patch())
	if pre := v.v.Prerelease(); pre != "" {
		key += "-" + pre
	}
	return key
}

// Compare returns -1, 0 or 1 by semantic-version precedence. Numeric fields
// compare numerically, a pre-release sorts below its absence, pre-release
// identifiers compare field by field, and build metadata is ignored.
func (v Version) Compare(o Version) int {
	return v.v.Compare(o.v)
}

// Constraint is a parsed version-range predicate.
type Constraint struct {
	orig string
	c    *masterminds.Constraints
	pin  *masterminds.Version
}

// ParseConstraint parses a constraint string. Supported forms: exact
// ("1.2.3", "=1.2.3"), caret, tilde, comparison operators (> >= < <= !=),
// wildcard ("1.x", "*") and comma-separated conjunction.
func ParseConstraint(s string) (Constraint, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Constraint{}, &MalformedConstraintError{Input: s}
	}

	c, err := masterminds.NewConstraint(trimmed)
	if err != nil {
		return Constraint{}, &MalformedConstraintError{Input: s}
	}

	return Constraint{orig: trimmed, c: c, pin: parsePin(trimmed)}, nil
}

// parsePin returns the pinned version when the constraint is a single exact
// full version ("1.2.3" or "=1.2.3"), nil otherwise.
func parsePin(s string) *masterminds.Version {
	t := strings.TrimSpace(strings.TrimPrefix(s, "="))
	v, err := masterminds.StrictNewVersion(t)
	if err != nil {
		return nil
	}
	return v
}

// Check reports whether v satisfies the constraint. Pre-release versions are
// only admitted when the constraint itself names a pre-release, except for
// exact pins, which always admit the pinned version.
func (c Constraint) Check(v Version) bool {
	if c.pin != nil {
		return c.pin.Equal(v.v)
	}
	return c.c.Check(v.v)
}

// Pin returns the exact pinned version and true when the constraint admits
// exactly one version.
func (c Constraint) Pin() (Version, bool) {
	if c.pin == nil {
		return Version{}, false
	}
	return Version{orig: c.pin.Original(), v: c.pin}, true
}

// String returns the constraint text as it was parsed.
func (c Constraint) String() string { return c.orig }

// Policy selects the tie-break between candidates of equal precedence.
// Semantic-version rules alone leave that order unspecified, so it is an
// explicit knob rather than a hidden default.
type Policy int

const (
	// PreferStable orders a non-pre-release before a pre-release at equal
	// precedence, then falls back to lexically higher original text.
	PreferStable Policy = iota

	// Lexical orders equal-precedence candidates by original text alone.
	Lexical
)

// Better reports whether a should be tried before b under greedy-highest
// resolution: higher precedence first, ties broken per the policy.
func Better(a, b Version, policy Policy) bool {
	cmp := a.Compare(b)
	if cmp != 0 {
		return cmp > 0
	}
	if policy == PreferStable {
		aStable := a.Prerelease() == ""
		bStable := b.Prerelease() == ""
		if aStable != bStable {
			return aStable
		}
	}
	return a.String() > b.String()
}

// SortCandidates orders versions best-first for greedy-highest resolution.
// The sort is stable, so fully equal versions keep their incoming order.
func SortCandidates(versions []Version, policy Policy) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Better(versions[i], versions[j], policy)
	})
}
