// Package core provides the shared types and error taxonomy of the registry.
package core

import (
	"strings"
	"time"
)

// Package is the registry-side record of a published package.
// The name is case-normalized and immutable once the package exists.
type Package struct {
	Name      string
	Summary   string
	Keywords  []string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VersionState is the lifecycle state of a published version.
type VersionState string

const (
	StateActive VersionState = "active"
	StateYanked VersionState = "yanked"
)

// Version is one published version of a package. Everything except State is
// immutable after commit; State moves active -> yanked exactly once.
type Version struct {
	Package      string
	Version      string // version text as published, build metadata preserved
	Key          string // canonical precedence key, ledger uniqueness key
	Digest       string // content digest of the artifact, "sha256:<hex>"
	State        VersionState
	Description  string
	Repository   string
	License      string
	Dependencies []Dependency
	PublishedBy  string
	PublishedAt  time.Time
}

// Yanked reports whether the version has been yanked.
func (v Version) Yanked() bool { return v.State == StateYanked }

// Dependency is a declared dependency of a version: a target package name and
// a version-range constraint. Immutable after commit.
type Dependency struct {
	Package string
	Spec    string
	Scope   Scope
}

// Scope indicates when a dependency is required.
type Scope string

const (
	Runtime     Scope = "runtime"
	Development Scope = "development"
	Test        Scope = "test"
	Build       Scope = "build"
	Optional    Scope = "optional"
)

// Checksum is a declared artifact checksum from a manifest.
type Checksum struct {
	Algorithm string
	Value     string // hex
}

// Role is the registry-wide role of an identity.
type Role string

const (
	RoleRegular Role = "regular"
	RoleAdmin   Role = "admin"
	RoleBanned  Role = "banned"
)

// Identity is an authenticated actor. Credential verification happens in the
// layers above; the core only sees the stable identifier and role.
type Identity struct {
	ID   string
	Role Role
}

// Action is an operation subject to access control.
type Action string

const (
	ActionPublish  Action = "publish"
	ActionYank     Action = "yank"
	ActionTransfer Action = "transfer-ownership"
	ActionTag      Action = "tag"
)

// Requirement is one root entry of a resolve request.
type Requirement struct {
	Package string
	Spec    string
}

// NormalizeName lowercases a package name and verifies its charset:
// letters, digits, '.', '_' and '-', starting with a letter or digit.
func NormalizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "", &InvalidNameError{Name: name}
	}

	for i, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
			if i == 0 {
				return "", &InvalidNameError{Name: name}
			}
		default:
			return "", &InvalidNameError{Name: name}
		}
	}

	return normalized, nil
}
