package ledger

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/semver"
)

// Memory is the in-memory Ledger. It is the reference implementation of the
// commit semantics: a conditional insert under a per-package lock, with
// copy-on-write version lists so snapshots stay consistent while publishes
// and yanks proceed.
type Memory struct {
	mu   sync.RWMutex // guards the package map only
	pkgs map[string]*record
	log  *logrus.Logger
	now  func() time.Time
}

// record holds one package. Its RWMutex is the per-package serialization
// point: commits and yanks take it exclusively, reads share it. Version
// slices are never mutated in place; mutations swap in a fresh slice, so a
// snapshot holding the old header keeps a stable view.
type record struct {
	mu        sync.RWMutex
	pkg       core.Package
	versions  []core.Version   // newest first
	parsed    []semver.Version // parallel to versions
	owners    []string
	tags      map[string]string // tag -> version key
	downloads map[string]int64  // version key -> count
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithLogger sets the logger for commit, yank and ownership events.
func WithLogger(log *logrus.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = log
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	m := &Memory{
		pkgs: make(map[string]*record),
		log:  quiet,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CommitVersion implements the single atomic mutation of the ledger. On the
// first publish under a name the package record and the version are created
// together, with the publisher as sole owner; afterwards the ownership check
// and the duplicate check both run under the package lock, so a concurrent
// commit of the same pair has exactly one winner.
func (m *Memory) CommitVersion(ctx context.Context, publisher core.Identity, draft Draft) (core.Version, error) {
	sv, err := semver.ParseVersion(draft.Version)
	if err != nil {
		return core.Version{}, err
	}

	now := m.now()
	ver := core.Version{
		Package:      draft.Package,
		Version:      draft.Version,
		Key:          sv.Key(),
		Digest:       draft.Digest,
		State:        core.StateActive,
		Description:  draft.Description,
		Repository:   draft.Repository,
		License:      draft.License,
		Dependencies: append([]core.Dependency(nil), draft.Dependencies...),
		PublishedBy:  publisher.ID,
		PublishedAt:  now,
	}

	m.mu.Lock()
	rec, exists := m.pkgs[draft.Package]
	if !exists {
		rec = &record{
			pkg: core.Package{
				Name:      draft.Package,
				Summary:   draft.Summary,
				Keywords:  append([]string(nil), draft.Keywords...),
				CreatedBy: publisher.ID,
				CreatedAt: now,
				UpdatedAt: now,
			},
			owners:    []string{publisher.ID},
			tags:      make(map[string]string),
			downloads: make(map[string]int64),
		}
		rec.insert(ver, sv)
		m.pkgs[draft.Package] = rec
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{
			"package":   draft.Package,
			"version":   ver.Key,
			"digest":    ver.Digest,
			"publisher": publisher.ID,
		}).Info("package created, version committed")
		return ver, nil
	}
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !contains(rec.owners, publisher.ID) && publisher.Role != core.RoleAdmin {
		return core.Version{}, &core.ForbiddenError{
			Identity: publisher.ID,
			Package:  draft.Package,
			Action:   core.ActionPublish,
		}
	}

	if _, dup := rec.lookup(ver.Key); dup {
		m.log.WithFields(logrus.Fields{
			"package":   draft.Package,
			"version":   ver.Key,
			"publisher": publisher.ID,
		}).Warn("commit rejected, version already exists")
		return core.Version{}, &core.VersionExistsError{Package: draft.Package, Version: ver.Key}
	}

	rec.insert(ver, sv)
	rec.pkg.UpdatedAt = now
	if rec.pkg.Summary == "" && draft.Summary != "" {
		rec.pkg.Summary = draft.Summary
		rec.pkg.Keywords = append([]string(nil), draft.Keywords...)
	}

	m.log.WithFields(logrus.Fields{
		"package":   draft.Package,
		"version":   ver.Key,
		"digest":    ver.Digest,
		"publisher": publisher.ID,
	}).Info("version committed")
	return ver, nil
}

// insert places the version at its precedence position, newest first, with
// copy-on-write slices. Caller holds the record lock (or owns the record).
func (r *record) insert(ver core.Version, sv semver.Version) {
	pos := len(r.versions)
	for i, existing := range r.parsed {
		if semver.Better(sv, existing, semver.PreferStable) {
			pos = i
			break
		}
	}

	versions := make([]core.Version, 0, len(r.versions)+1)
	versions = append(versions, r.versions[:pos]...)
	versions = append(versions, ver)
	versions = append(versions, r.versions[pos:]...)

	parsed := make([]semver.Version, 0, len(r.parsed)+1)
	parsed = append(parsed, r.parsed[:pos]...)
	parsed = append(parsed, sv)
	parsed = append(parsed, r.parsed[pos:]...)

	r.versions = versions
	r.parsed = parsed
}

// lookup finds a version slot by precedence key. Caller holds the record lock.
func (r *record) lookup(key string) (int, bool) {
	for i, v := range r.versions {
		if v.Key == key {
			return i, true
		}
	}
	return -1, false
}

func (m *Memory) Yank(ctx context.Context, pkg, key string) (core.Version, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return core.Version{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	slot, ok := rec.lookup(key)
	if !ok {
		return core.Version{}, &core.NotFoundError{Package: pkg, Version: key}
	}
	if rec.versions[slot].Yanked() {
		return rec.versions[slot], nil
	}

	versions := append([]core.Version(nil), rec.versions...)
	versions[slot].State = core.StateYanked
	rec.versions = versions

	m.log.WithFields(logrus.Fields{"package": pkg, "version": key}).Info("version yanked")
	return versions[slot], nil
}

// CreateOrGetPackage claims an unowned name without publishing a version.
// When the record already exists the creator is ignored and the current
// package is returned unchanged.
func (m *Memory) CreateOrGetPackage(ctx context.Context, name string, creator core.Identity) (core.Package, error) {
	now := m.now()

	m.mu.Lock()
	rec, exists := m.pkgs[name]
	if !exists {
		rec = &record{
			pkg: core.Package{
				Name:      name,
				CreatedBy: creator.ID,
				CreatedAt: now,
				UpdatedAt: now,
			},
			owners:    []string{creator.ID},
			tags:      make(map[string]string),
			downloads: make(map[string]int64),
		}
		m.pkgs[name] = rec
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{
			"package": name,
			"owner":   creator.ID,
		}).Info("package created")
		return rec.pkg, nil
	}
	m.mu.Unlock()

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	pkg := rec.pkg
	pkg.Keywords = append([]string(nil), rec.pkg.Keywords...)
	return pkg, nil
}

func (m *Memory) GetPackage(ctx context.Context, name string) (core.Package, error) {
	rec, err := m.record(name)
	if err != nil {
		return core.Package{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	pkg := rec.pkg
	pkg.Keywords = append([]string(nil), rec.pkg.Keywords...)
	return pkg, nil
}

func (m *Memory) GetVersion(ctx context.Context, pkg, key string) (core.Version, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return core.Version{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	slot, ok := rec.lookup(key)
	if !ok {
		return core.Version{}, &core.NotFoundError{Package: pkg, Version: key}
	}
	return rec.versions[slot], nil
}

func (m *Memory) ListActiveVersions(ctx context.Context, pkg string) ([]core.Version, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return nil, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	out := make([]core.Version, 0, len(rec.versions))
	for _, v := range rec.versions {
		if !v.Yanked() {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) ListVersions(ctx context.Context, pkg string) ([]core.Version, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return nil, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return append([]core.Version(nil), rec.versions...), nil
}

func (m *Memory) Owners(ctx context.Context, pkg string) ([]string, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return nil, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return append([]string(nil), rec.owners...), nil
}

func (m *Memory) AddOwner(ctx context.Context, pkg, owner string) error {
	rec, err := m.record(pkg)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if contains(rec.owners, owner) {
		return nil
	}
	rec.owners = append(append([]string(nil), rec.owners...), owner)

	m.log.WithFields(logrus.Fields{"package": pkg, "owner": owner}).Info("owner added")
	return nil
}

func (m *Memory) RemoveOwner(ctx context.Context, pkg, owner string) error {
	rec, err := m.record(pkg)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !contains(rec.owners, owner) {
		return fmt.Errorf("%s is not an owner of %s: %w", owner, pkg, core.ErrNotFound)
	}
	if len(rec.owners) == 1 {
		return ErrLastOwner
	}

	owners := make([]string, 0, len(rec.owners)-1)
	for _, o := range rec.owners {
		if o != owner {
			owners = append(owners, o)
		}
	}
	rec.owners = owners

	m.log.WithFields(logrus.Fields{"package": pkg, "owner": owner}).Info("owner removed")
	return nil
}

func (m *Memory) SetTag(ctx context.Context, pkg, tag, key string) error {
	rec, err := m.record(pkg)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.lookup(key); !ok {
		return &core.NotFoundError{Package: pkg, Version: key}
	}
	rec.tags[tag] = key
	return nil
}

func (m *Memory) ResolveTag(ctx context.Context, pkg, tag string) (core.Version, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return core.Version{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	key, ok := rec.tags[tag]
	if !ok {
		return core.Version{}, &core.NotFoundError{Package: pkg, Version: "@" + tag}
	}
	slot, ok := rec.lookup(key)
	if !ok {
		return core.Version{}, &core.NotFoundError{Package: pkg, Version: key}
	}
	return rec.versions[slot], nil
}

func (m *Memory) RecordDownload(ctx context.Context, pkg, key string) error {
	rec, err := m.record(pkg)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.lookup(key); !ok {
		return &core.NotFoundError{Package: pkg, Version: key}
	}
	rec.downloads[key]++
	return nil
}

func (m *Memory) Downloads(ctx context.Context, pkg string) (int64, error) {
	rec, err := m.record(pkg)
	if err != nil {
		return 0, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	var total int64
	for _, n := range rec.downloads {
		total += n
	}
	return total, nil
}

// Snapshot captures the version list of every package. Each list is taken
// under the package's read lock, and mutations replace lists wholesale, so
// the captured headers form a stable view for the duration of a resolve.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	recs := make(map[string]*record, len(m.pkgs))
	for name, rec := range m.pkgs {
		recs[name] = rec
	}
	m.mu.RUnlock()

	versions := make(map[string][]core.Version, len(recs))
	for name, rec := range recs {
		rec.mu.RLock()
		versions[name] = rec.versions
		rec.mu.RUnlock()
	}
	return &memorySnapshot{versions: versions}
}

type memorySnapshot struct {
	versions map[string][]core.Version
}

func (s *memorySnapshot) ActiveVersions(name string) []core.Version {
	all := s.versions[name]
	out := make([]core.Version, 0, len(all))
	for _, v := range all {
		if !v.Yanked() {
			out = append(out, v)
		}
	}
	return out
}

func (s *memorySnapshot) Version(name, key string) (core.Version, bool) {
	for _, v := range s.versions[name] {
		if v.Key == key {
			return v, true
		}
	}
	return core.Version{}, false
}

func (m *Memory) record(name string) (*record, error) {
	m.mu.RLock()
	rec, ok := m.pkgs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &core.NotFoundError{Package: name}
	}
	return rec, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
