package manifest

import (
	"fmt"
	"strings"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/git-pkgs/registry/internal/core"
)

// Spec identifies a package and optionally pins what to fetch. Exactly one
// of Version and Tag is set when Ref is non-empty.
type Spec struct {
	Name    string
	Version string
	Tag     string
}

// Ref returns the version or tag reference, whichever is set.
func (s Spec) Ref() string {
	if s.Version != "" {
		return s.Version
	}
	return s.Tag
}

// String renders the spec in its canonical text form.
func (s Spec) String() string {
	switch {
	case s.Version != "":
		return s.Name + ":" + s.Version
	case s.Tag != "":
		return s.Name + "@" + s.Tag
	default:
		return s.Name
	}
}

// ParseSpec parses a package spec string. Supported forms:
//
//	name            latest active version
//	name:1.2.3      exact version
//	name@stable     named tag
//	pkg:generic/name@1.2.3   Package URL
//
// Names are normalized; versions and tags are kept verbatim for the caller
// to resolve.
func ParseSpec(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("empty package spec")
	}

	if strings.HasPrefix(raw, "pkg:") {
		p, err := packageurl.FromString(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("parsing purl %q: %w", raw, err)
		}
		full := p.Name
		if p.Namespace != "" {
			full = p.Namespace + "/" + p.Name
		}
		name, err := core.NormalizeName(full)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Name: name, Version: p.Version}, nil
	}

	if i := strings.IndexByte(raw, ':'); i >= 0 {
		name, err := core.NormalizeName(raw[:i])
		if err != nil {
			return Spec{}, err
		}
		if raw[i+1:] == "" {
			return Spec{}, fmt.Errorf("spec %q has empty version", raw)
		}
		return Spec{Name: name, Version: raw[i+1:]}, nil
	}

	if i := strings.IndexByte(raw, '@'); i > 0 {
		name, err := core.NormalizeName(raw[:i])
		if err != nil {
			return Spec{}, err
		}
		if raw[i+1:] == "" {
			return Spec{}, fmt.Errorf("spec %q has empty tag", raw)
		}
		return Spec{Name: name, Tag: raw[i+1:]}, nil
	}

	name, err := core.NormalizeName(raw)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Name: name}, nil
}
