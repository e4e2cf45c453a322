// Package manifest decodes and validates uploaded package manifests. It
// turns raw TOML into the primitive strings the publish coordinator consumes;
// everything semantic (version ordering, uniqueness, resolution) happens
// behind that boundary.
package manifest

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/github/go-spdx/v2/spdxexp"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/semver"
)

// Manifest is the declared content of a package upload.
//
//	name = "left-pad"
//	version = "1.2.0"
//	license = "MIT OR Apache-2.0"
//
//	[[dependencies]]
//	package = "pad-core"
//	spec = "^2.0.0"
type Manifest struct {
	Name        string       `toml:"name"`
	Version     string       `toml:"version"`
	Summary     string       `toml:"summary"`
	Description string       `toml:"description"`
	Repository  string       `toml:"repository"`
	License     string       `toml:"license"`
	Keywords    []string     `toml:"keywords"`
	Checksums   []Checksum   `toml:"checksums"`
	Dependencies []Dependency `toml:"dependencies"`
}

// Checksum is a declared artifact checksum.
type Checksum struct {
	Algorithm string `toml:"algorithm"`
	Value     string `toml:"value"`
}

// Dependency is a declared dependency: target package and constraint spec.
type Dependency struct {
	Package string `toml:"package"`
	Spec    string `toml:"spec"`
	Scope   string `toml:"scope"`
}

// Decode parses manifest TOML. The result is syntactically decoded only;
// call Validate before trusting it.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// Validate checks every declared field: name charset, version and constraint
// syntax, checksum hex, license expression. Referenced dependency packages
// are not required to exist; missing targets only surface at resolve time.
func (m *Manifest) Validate() error {
	if _, err := core.NormalizeName(m.Name); err != nil {
		return err
	}
	if _, err := semver.ParseVersion(m.Version); err != nil {
		return err
	}

	for _, dep := range m.Dependencies {
		if _, err := core.NormalizeName(dep.Package); err != nil {
			return fmt.Errorf("dependency %q: %w", dep.Package, err)
		}
		if _, err := semver.ParseConstraint(dep.Spec); err != nil {
			return fmt.Errorf("dependency %s: %w", dep.Package, err)
		}
		switch core.Scope(dep.Scope) {
		case "", core.Runtime, core.Development, core.Test, core.Build, core.Optional:
		default:
			return fmt.Errorf("dependency %s: unknown scope %q", dep.Package, dep.Scope)
		}
	}

	for _, sum := range m.Checksums {
		if sum.Algorithm == "" {
			return fmt.Errorf("checksum with empty algorithm")
		}
		if _, err := hex.DecodeString(sum.Value); err != nil || sum.Value == "" {
			return fmt.Errorf("checksum %s: value is not hex", sum.Algorithm)
		}
	}

	if m.License != "" {
		valid, invalid := spdxexp.ValidateLicenses([]string{m.License})
		if !valid {
			return fmt.Errorf("invalid license expression: %s", strings.Join(invalid, ", "))
		}
	}

	return nil
}

// CoreDependencies maps declared dependencies to core declarations with
// normalized package names. Call only after Validate.
func (m *Manifest) CoreDependencies() []core.Dependency {
	deps := make([]core.Dependency, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		name, _ := core.NormalizeName(dep.Package)
		scope := core.Scope(dep.Scope)
		if scope == "" {
			scope = core.Runtime
		}
		deps = append(deps, core.Dependency{Package: name, Spec: dep.Spec, Scope: scope})
	}
	return deps
}

// CoreChecksums maps declared checksums to core checksums.
func (m *Manifest) CoreChecksums() []core.Checksum {
	sums := make([]core.Checksum, 0, len(m.Checksums))
	for _, sum := range m.Checksums {
		sums = append(sums, core.Checksum{
			Algorithm: strings.ToLower(sum.Algorithm),
			Value:     strings.ToLower(sum.Value),
		})
	}
	return sums
}
