// Package registry implements a package registry: a version ledger with
// atomic publishes, content-addressed artifact storage, and a backtracking
// dependency resolver over consistent snapshots.
//
// Basic usage:
//
//	reg := registry.New()
//
//	res, err := reg.Publish(ctx, alice, registry.PublishRequest{
//		Name:     "left-pad",
//		Version:  "1.2.0",
//		Artifact: data,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	resolved, err := reg.Resolve(ctx, []registry.Requirement{
//		{Package: "left-pad", Spec: "^1.0.0"},
//	})
//
// Storage backends register by URL scheme; see the blob package.
package registry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/git-pkgs/registry/blob"
	"github.com/git-pkgs/registry/internal/access"
	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/ledger"
	"github.com/git-pkgs/registry/internal/publish"
	"github.com/git-pkgs/registry/internal/resolver"
	"github.com/git-pkgs/registry/internal/semver"
	"github.com/git-pkgs/registry/manifest"
)

// Re-export types from internal/core
type (
	// Package is the package-level record: name, summary, ownership dates.
	Package = core.Package

	// Version is one immutable published version of a package.
	Version = core.Version

	// Dependency is a declared dependency of a version.
	Dependency = core.Dependency

	// Checksum is a declared artifact checksum.
	Checksum = core.Checksum

	// Identity is an authenticated principal acting on the registry.
	Identity = core.Identity

	// Role grants an identity its base capabilities.
	Role = core.Role

	// Scope indicates when a dependency is required.
	Scope = core.Scope

	// Requirement is a root-level resolution requirement.
	Requirement = core.Requirement
)

// Re-export types from subsystem packages
type (
	// Resolution maps package names to the versions a resolve selected.
	Resolution = resolver.Resolution

	// Spec identifies a package with an optional version or tag reference.
	Spec = manifest.Spec

	// Manifest is a decoded package manifest.
	Manifest = manifest.Manifest

	// PublishRequest carries one publish attempt through the gates.
	PublishRequest = publish.Request

	// PublishResult is the outcome of a successful publish.
	PublishResult = publish.Result

	// Policy selects the candidate ordering used during resolution.
	Policy = semver.Policy

	// Store is the artifact storage interface.
	Store = blob.Store

	// Digest is a content address.
	Digest = blob.Digest

	// Ledger is the authoritative package record.
	Ledger = ledger.Ledger
)

// Re-export constants
const (
	Runtime     = core.Runtime
	Development = core.Development
	Test        = core.Test
	Build       = core.Build
	Optional    = core.Optional

	RoleRegular = core.RoleRegular
	RoleAdmin   = core.RoleAdmin
	RoleBanned  = core.RoleBanned

	StateActive = core.StateActive
	StateYanked = core.StateYanked

	PreferStable = semver.PreferStable
	Lexical      = semver.Lexical
)

// Re-export errors
var (
	ErrNotFound               = core.ErrNotFound
	ErrForbidden              = core.ErrForbidden
	ErrVersionExists          = core.ErrVersionExists
	ErrMalformedVersion       = core.ErrMalformedVersion
	ErrMalformedConstraint    = core.ErrMalformedConstraint
	ErrInvalidName            = core.ErrInvalidName
	ErrNoSatisfyingVersion    = core.ErrNoSatisfyingVersion
	ErrConflictingConstraints = core.ErrConflictingConstraints
	ErrLedgerUnavailable      = core.ErrLedgerUnavailable
	ErrLastOwner              = ledger.ErrLastOwner
	ErrArtifactNotFound       = blob.ErrNotFound
)

// Error types
type (
	NotFoundError               = core.NotFoundError
	ForbiddenError              = core.ForbiddenError
	VersionExistsError          = core.VersionExistsError
	InvalidNameError            = core.InvalidNameError
	NoSatisfyingVersionError    = resolver.NoSatisfyingVersionError
	ConflictingConstraintsError = resolver.ConflictingConstraintsError
	RejectionError              = publish.RejectionError
)

const defaultStageConcurrency = 15

// Service is a complete registry instance binding a ledger, an artifact
// store and the publish and resolve machinery together.
type Service struct {
	ledger      ledger.Ledger
	store       blob.Store
	access      *access.Controller
	coordinator *publish.Coordinator
	policy      semver.Policy
	log         *logrus.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLedger sets the backing ledger. The default is an in-memory ledger.
func WithLedger(l ledger.Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithStore sets the artifact store. The default is an in-memory store.
func WithStore(st blob.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithPolicy sets the resolution candidate ordering.
func WithPolicy(p semver.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// New creates a registry service. With no options it runs fully in memory,
// which is also the configuration the tests use.
func New(opts ...Option) *Service {
	s := &Service{policy: semver.PreferStable}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.New()
		s.log.SetOutput(io.Discard)
	}
	if s.ledger == nil {
		s.ledger = ledger.NewMemory(ledger.WithLogger(s.log))
	}
	if s.store == nil {
		s.store = blob.NewMemoryStore()
	}
	s.access = access.NewController(s.ledger)
	s.coordinator = publish.NewCoordinator(s.ledger, s.store, publish.WithLogger(s.log))
	return s
}

// Publish runs a publish attempt through the authorize, validate, store and
// commit gates. See publish.Coordinator for the gate semantics.
func (s *Service) Publish(ctx context.Context, publisher Identity, req PublishRequest) (PublishResult, error) {
	return s.coordinator.Publish(ctx, publisher, req)
}

// PublishManifest decodes and validates a TOML manifest, then publishes the
// artifact under the manifest's declared identity.
func (s *Service) PublishManifest(ctx context.Context, publisher Identity, manifestTOML, artifact []byte) (PublishResult, error) {
	m, err := manifest.Decode(manifestTOML)
	if err != nil {
		return PublishResult{}, err
	}
	if err := m.Validate(); err != nil {
		return PublishResult{}, err
	}
	return s.Publish(ctx, publisher, PublishRequest{
		Name:         m.Name,
		Version:      m.Version,
		Summary:      m.Summary,
		Description:  m.Description,
		Repository:   m.Repository,
		License:      m.License,
		Keywords:     m.Keywords,
		Dependencies: m.CoreDependencies(),
		Checksums:    m.CoreChecksums(),
		Artifact:     artifact,
	})
}

// Resolve computes a complete dependency closure for the root requirements
// against a consistent snapshot of the ledger. Publishes committed after the
// snapshot is taken do not affect the result.
func (s *Service) Resolve(ctx context.Context, roots []Requirement) (*Resolution, error) {
	return resolver.Resolve(ctx, s.ledger.Snapshot(), roots, resolver.WithPolicy(s.policy))
}

// Yank retires a version from resolution without deleting it. Yanking an
// already yanked version is a no-op.
func (s *Service) Yank(ctx context.Context, id Identity, pkg, version string) (Version, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return Version{}, err
	}
	v, err := semver.ParseVersion(version)
	if err != nil {
		return Version{}, err
	}
	if err := s.access.Authorize(ctx, id, name, core.ActionYank); err != nil {
		return Version{}, err
	}
	yanked, err := s.ledger.Yank(ctx, name, v.Key())
	if err != nil {
		return Version{}, err
	}
	s.log.WithFields(logrus.Fields{
		"package": name,
		"version": yanked.Version,
		"by":      id.ID,
	}).Info("version yanked")
	return yanked, nil
}

// GetPackage returns the package record.
func (s *Service) GetPackage(ctx context.Context, pkg string) (Package, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return Package{}, err
	}
	return s.ledger.GetPackage(ctx, name)
}

// GetVersion returns one version, yanked ones included.
func (s *Service) GetVersion(ctx context.Context, pkg, version string) (Version, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return Version{}, err
	}
	v, err := semver.ParseVersion(version)
	if err != nil {
		return Version{}, err
	}
	return s.ledger.GetVersion(ctx, name, v.Key())
}

// ListVersions returns all versions of a package, newest first, yanked ones
// included.
func (s *Service) ListVersions(ctx context.Context, pkg string) ([]Version, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListVersions(ctx, name)
}

// ListActiveVersions returns the versions visible to resolution, newest
// first.
func (s *Service) ListActiveVersions(ctx context.Context, pkg string) ([]Version, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListActiveVersions(ctx, name)
}

// Tag points a symbolic tag at a published version.
func (s *Service) Tag(ctx context.Context, id Identity, pkg, tag, version string) error {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return err
	}
	v, err := semver.ParseVersion(version)
	if err != nil {
		return err
	}
	if err := s.access.Authorize(ctx, id, name, core.ActionTag); err != nil {
		return err
	}
	return s.ledger.SetTag(ctx, name, tag, v.Key())
}

// ResolveSpec resolves a textual package spec to a concrete version:
// "name" picks the newest active version, "name:1.2.3" an exact version,
// "name@stable" a tag.
func (s *Service) ResolveSpec(ctx context.Context, raw string) (Version, error) {
	spec, err := manifest.ParseSpec(raw)
	if err != nil {
		return Version{}, err
	}

	switch {
	case spec.Version != "":
		v, err := semver.ParseVersion(spec.Version)
		if err != nil {
			return Version{}, err
		}
		return s.ledger.GetVersion(ctx, spec.Name, v.Key())
	case spec.Tag != "":
		return s.ledger.ResolveTag(ctx, spec.Name, spec.Tag)
	default:
		versions, err := s.ledger.ListActiveVersions(ctx, spec.Name)
		if err != nil {
			return Version{}, err
		}
		if len(versions) == 0 {
			return Version{}, &core.NotFoundError{Package: spec.Name}
		}
		return versions[0], nil
	}
}

// Owners returns the identities holding publish rights on a package.
func (s *Service) Owners(ctx context.Context, pkg string) ([]string, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return nil, err
	}
	return s.ledger.Owners(ctx, name)
}

// AddOwner grants publish rights on a package. Only current owners and
// admins may transfer ownership.
func (s *Service) AddOwner(ctx context.Context, id Identity, pkg, owner string) error {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return err
	}
	if err := s.access.Authorize(ctx, id, name, core.ActionTransfer); err != nil {
		return err
	}
	return s.ledger.AddOwner(ctx, name, owner)
}

// RemoveOwner revokes publish rights. Removing the last owner fails with
// ErrLastOwner.
func (s *Service) RemoveOwner(ctx context.Context, id Identity, pkg, owner string) error {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return err
	}
	if err := s.access.Authorize(ctx, id, name, core.ActionTransfer); err != nil {
		return err
	}
	return s.ledger.RemoveOwner(ctx, name, owner)
}

// FetchArtifact returns the stored artifact bytes for a version and records
// the download.
func (s *Service) FetchArtifact(ctx context.Context, pkg, version string) ([]byte, Version, error) {
	v, err := s.GetVersion(ctx, pkg, version)
	if err != nil {
		return nil, Version{}, err
	}
	digest, err := blob.ParseDigest(v.Digest)
	if err != nil {
		return nil, Version{}, fmt.Errorf("version %s@%s has bad digest: %w", v.Package, v.Version, err)
	}
	data, err := s.store.Get(ctx, digest)
	if err != nil {
		return nil, Version{}, err
	}
	if err := s.ledger.RecordDownload(ctx, v.Package, v.Key); err != nil {
		return nil, Version{}, err
	}
	return data, v, nil
}

// Downloads returns the accumulated download count for a package.
func (s *Service) Downloads(ctx context.Context, pkg string) (int64, error) {
	name, err := core.NormalizeName(pkg)
	if err != nil {
		return 0, err
	}
	return s.ledger.Downloads(ctx, name)
}

// StageArtifacts fetches the artifacts for every version in a resolution,
// in parallel with bounded concurrency. Download counters are bumped per
// fetched version. The first failure cancels the remaining fetches.
func (s *Service) StageArtifacts(ctx context.Context, res *Resolution) (map[string][]byte, error) {
	artifacts := make(map[string][]byte, len(res.Versions))
	var stageMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultStageConcurrency)

	for name, v := range res.Versions {
		name, v := name, v
		g.Go(func() error {
			data, _, err := s.FetchArtifact(ctx, name, v.Version)
			if err != nil {
				return fmt.Errorf("staging %s@%s: %w", name, v.Version, err)
			}
			stageMu.Lock()
			artifacts[name] = data
			stageMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}
