// Package ledger is the authoritative record of packages, versions and
// ownership. It enforces the registry's uniqueness and immutability
// invariants at the single point of commit.
package ledger

import (
	"context"
	"errors"

	"github.com/git-pkgs/registry/internal/core"
)

// Draft is a fully validated version awaiting commit. The coordinator builds
// one after the authorize, validate and store gates have passed.
type Draft struct {
	Package      string // normalized
	Version      string // version text as published
	Key          string // precedence key, uniqueness key for the commit
	Digest       string
	Summary      string // package summary, set on package creation
	Keywords     []string
	Description  string
	Repository   string
	License      string
	Dependencies []core.Dependency
}

// Snapshot is a consistent, immutable read view of the ledger. Each package's
// version list is captured atomically with respect to commits and yanks, so a
// resolver never observes a partially-committed version.
type Snapshot interface {
	// ActiveVersions returns the active versions of a package, newest first.
	ActiveVersions(name string) []core.Version

	// Version returns a version by precedence key, yanked ones included.
	Version(name, key string) (core.Version, bool)
}

// Ledger is the mutation and query surface of the registry record.
//
// CommitVersion is the sole mutation requiring serialization: concurrent
// commits of the same (package, version) pair must resolve to exactly one
// winner, while commits to different packages proceed without blocking each
// other. Implementations achieve this with a conditional insert under a
// per-package serialization point, never a global lock.
type Ledger interface {
	// CreateOrGetPackage returns the package record for a name, creating an
	// empty record owned by creator when the name is unclaimed. Most callers
	// never need this: CommitVersion creates the package on first publish.
	CreateOrGetPackage(ctx context.Context, name string, creator core.Identity) (core.Package, error)

	// CommitVersion atomically creates the version, creating the package on
	// first publish (the publisher becomes sole owner). It fails with
	// core.VersionExistsError when the precedence key is already taken,
	// yanked rows included, and with core.ForbiddenError when the publisher
	// is not an owner of an existing package.
	CommitVersion(ctx context.Context, publisher core.Identity, draft Draft) (core.Version, error)

	// Yank transitions a version from active to yanked. Yanking an already
	// yanked version is a no-op.
	Yank(ctx context.Context, pkg, key string) (core.Version, error)

	// GetPackage returns the package record.
	GetPackage(ctx context.Context, name string) (core.Package, error)

	// GetVersion returns a version by precedence key, yanked ones included.
	GetVersion(ctx context.Context, pkg, key string) (core.Version, error)

	// ListActiveVersions returns the active versions, newest first.
	ListActiveVersions(ctx context.Context, pkg string) ([]core.Version, error)

	// ListVersions returns all versions including yanked ones, newest first.
	ListVersions(ctx context.Context, pkg string) ([]core.Version, error)

	// Owners returns the identities holding publish rights on the package.
	Owners(ctx context.Context, pkg string) ([]string, error)

	// AddOwner grants publish rights. Adding an existing owner is a no-op.
	AddOwner(ctx context.Context, pkg, owner string) error

	// RemoveOwner revokes publish rights. Removing the last owner fails:
	// a package is never left unowned without an explicit transfer.
	RemoveOwner(ctx context.Context, pkg, owner string) error

	// SetTag points a symbolic tag (for example "latest") at a version.
	SetTag(ctx context.Context, pkg, tag, key string) error

	// ResolveTag returns the version a tag points at.
	ResolveTag(ctx context.Context, pkg, tag string) (core.Version, error)

	// RecordDownload bumps the download counter for a version.
	RecordDownload(ctx context.Context, pkg, key string) error

	// Downloads returns the accumulated download count for a package.
	Downloads(ctx context.Context, pkg string) (int64, error)

	// Snapshot captures a consistent read view for one resolution.
	Snapshot() Snapshot
}

// ErrLastOwner is returned by RemoveOwner when the removal would leave the
// package without any owner.
var ErrLastOwner = errors.New("operation would leave package without owner")
