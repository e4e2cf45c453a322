package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the registry failure taxonomy. Callers match them with
// errors.Is; the structured types below carry the diagnostic context.
var (
	// ErrNotFound is returned when a package or version is not found.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when an identity lacks rights for an action.
	ErrForbidden = errors.New("forbidden")

	// ErrVersionExists is returned when a (package, version) pair has already
	// been published. Yanked versions count: a version number is never reused.
	ErrVersionExists = errors.New("version already exists")

	// ErrMalformedVersion is returned for version strings that do not parse.
	ErrMalformedVersion = errors.New("malformed version")

	// ErrMalformedConstraint is returned for constraint strings that do not parse.
	ErrMalformedConstraint = errors.New("malformed constraint")

	// ErrInvalidName is returned for package names outside the allowed charset.
	ErrInvalidName = errors.New("invalid package name")

	// ErrNoSatisfyingVersion is returned when some required package has no
	// candidate version left after constraint intersection.
	ErrNoSatisfyingVersion = errors.New("no satisfying version")

	// ErrConflictingConstraints is returned when two reachable constraints on
	// the same package share no common satisfying version.
	ErrConflictingConstraints = errors.New("conflicting constraints")

	// ErrLedgerUnavailable is returned when the ledger backend fails
	// transiently. Eligible for caller-side retry.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// NotFoundError wraps ErrNotFound with the missing entity.
type NotFoundError struct {
	Package string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("package %s version %s not found", e.Package, e.Version)
	}
	return fmt.Sprintf("package %s not found", e.Package)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ForbiddenError wraps ErrForbidden with the denied identity and action.
type ForbiddenError struct {
	Identity string
	Package  string
	Action   Action
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s on package %s", e.Identity, e.Action, e.Package)
}

func (e *ForbiddenError) Unwrap() error {
	return ErrForbidden
}

// VersionExistsError wraps ErrVersionExists with the conflicting pair.
type VersionExistsError struct {
	Package string
	Version string
}

func (e *VersionExistsError) Error() string {
	return fmt.Sprintf("package %s version %s already exists", e.Package, e.Version)
}

func (e *VersionExistsError) Unwrap() error {
	return ErrVersionExists
}

// InvalidNameError wraps ErrInvalidName with the rejected name.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid package name %q", e.Name)
}

func (e *InvalidNameError) Unwrap() error {
	return ErrInvalidName
}
