// Package resolver computes concrete version assignments for dependency
// requests. It runs a backtracking search over a read-only ledger snapshot,
// always preferring the highest version satisfying the constraints known so
// far and retracting choices on conflict. The policy is deterministic:
// identical snapshots and roots yield identical assignments.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/git-pkgs/registry/internal/core"
	"github.com/git-pkgs/registry/internal/semver"
)

// Query is the read-only ledger view a resolution runs against. A Query must
// be a consistent snapshot: it never exposes a partially-committed version.
type Query interface {
	// ActiveVersions returns the active (non-yanked) versions of a package.
	ActiveVersions(name string) []core.Version

	// Version returns a version by its precedence key, yanked ones included.
	Version(name, key string) (core.Version, bool)
}

// ConstraintRef ties a constraint to the requirement that introduced it.
// Origin is "root" for root requirements, "package@version" otherwise.
type ConstraintRef struct {
	Origin string
	Spec   string
}

func (r ConstraintRef) String() string {
	return fmt.Sprintf("%s (required by %s)", r.Spec, r.Origin)
}

// Resolution maps every reachable package to the single chosen version.
type Resolution struct {
	Versions map[string]core.Version
}

// NoSatisfyingVersionError reports a package whose candidate set is empty
// under at least one reachable constraint on its own.
type NoSatisfyingVersionError struct {
	Package string
	Chain   []ConstraintRef
}

func (e *NoSatisfyingVersionError) Error() string {
	return fmt.Sprintf("no version of %s satisfies %s", e.Package, joinRefs(e.Chain))
}

func (e *NoSatisfyingVersionError) Unwrap() error {
	return core.ErrNoSatisfyingVersion
}

// ConflictingConstraintsError reports a package whose reachable constraints
// are individually satisfiable but share no common version. Constraints holds
// a minimal conflicting set, usually a pair.
type ConflictingConstraintsError struct {
	Package     string
	Constraints []ConstraintRef
}

func (e *ConflictingConstraintsError) Error() string {
	return fmt.Sprintf("conflicting constraints on %s: %s", e.Package, joinRefs(e.Constraints))
}

func (e *ConflictingConstraintsError) Unwrap() error {
	return core.ErrConflictingConstraints
}

func joinRefs(refs []ConstraintRef) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " and ")
}

// Option configures a resolution.
type Option func(*solver)

// WithPolicy sets the equal-precedence tie-break policy.
func WithPolicy(p semver.Policy) Option {
	return func(s *solver) {
		s.policy = p
	}
}

// Resolve computes one concrete version per transitively required package, or
// a typed failure naming the responsible package and constraint chain.
//
// Yanked versions are considered only when a root requirement pins them by
// exact version; transitive constraints never resurrect a yanked release.
// Runtime (and unscoped) dependencies participate in resolution; development,
// test and optional dependencies do not.
func Resolve(ctx context.Context, q Query, roots []core.Requirement, opts ...Option) (*Resolution, error) {
	s := &solver{
		q:           q,
		policy:      semver.PreferStable,
		constraints: make(map[string][]constraintEntry),
		chosen:      make(map[string]chosenVersion),
		pools:       make(map[string][]candidate),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, root := range roots {
		name, err := core.NormalizeName(root.Package)
		if err != nil {
			return nil, err
		}
		c, err := semver.ParseConstraint(root.Spec)
		if err != nil {
			return nil, err
		}
		s.addConstraint(name, constraintEntry{origin: "root", c: c, root: true})
	}

	if err := s.solve(ctx); err != nil {
		return nil, err
	}

	res := &Resolution{Versions: make(map[string]core.Version, len(s.chosen))}
	for name, cv := range s.chosen {
		res.Versions[name] = cv.ver
	}
	return res, nil
}

type constraintEntry struct {
	origin string
	c      semver.Constraint
	root   bool
}

func (e constraintEntry) ref() ConstraintRef {
	return ConstraintRef{Origin: e.origin, Spec: e.c.String()}
}

type candidate struct {
	ver core.Version
	sv  semver.Version
}

type chosenVersion struct {
	ver core.Version
	sv  semver.Version
}

type solver struct {
	q      Query
	policy semver.Policy

	// constraints accumulates every constraint reachable so far, keyed by
	// package. Entries are appended on assignment and popped on backtrack.
	constraints map[string][]constraintEntry

	// chosen is the (package, chosen-version) memo for the current search
	// branch. A package is expanded exactly once per branch, which bounds the
	// recursion and terminates cyclic dependency graphs.
	chosen map[string]chosenVersion

	// order lists packages in first-seen order; it makes candidate selection
	// deterministic across runs.
	order []string

	// pools caches the sorted candidate pool per package for this snapshot.
	pools map[string][]candidate
}

func (s *solver) addConstraint(name string, e constraintEntry) {
	if _, seen := s.constraints[name]; !seen {
		s.order = append(s.order, name)
	}
	s.constraints[name] = append(s.constraints[name], e)
}

func (s *solver) popConstraint(name string) {
	entries := s.constraints[name]
	if len(entries) <= 1 {
		delete(s.constraints, name)
		return
	}
	s.constraints[name] = entries[:len(entries)-1]
}

func (s *solver) solve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	pkg, ok := s.nextUnassigned()
	if !ok {
		return nil
	}

	cands, err := s.candidates(pkg)
	if err != nil {
		return err
	}

	var lastErr error
	for _, cand := range cands {
		frame, conflict := s.assign(pkg, cand)
		if conflict != nil {
			lastErr = conflict
			s.unassign(pkg, frame)
			continue
		}

		err := s.solve(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			s.unassign(pkg, frame)
			return err
		}

		lastErr = err
		s.unassign(pkg, frame)
	}

	return lastErr
}

func (s *solver) nextUnassigned() (string, bool) {
	for _, name := range s.order {
		if _, done := s.chosen[name]; !done {
			return name, true
		}
	}
	return "", false
}

// pool returns the candidate versions of a package, best first: the active
// versions plus any yanked version pinned exactly by a root requirement.
func (s *solver) pool(pkg string) []candidate {
	if cached, ok := s.pools[pkg]; ok {
		return cached
	}

	var cands []candidate
	seen := make(map[string]bool)
	for _, ver := range s.q.ActiveVersions(pkg) {
		sv, err := semver.ParseVersion(ver.Version)
		if err != nil {
			continue // ledger versions are validated at publish
		}
		cands = append(cands, candidate{ver: ver, sv: sv})
		seen[sv.Key()] = true
	}

	for _, entry := range s.constraints[pkg] {
		if !entry.root {
			continue
		}
		pin, ok := entry.c.Pin()
		if !ok || seen[pin.Key()] {
			continue
		}
		if ver, found := s.q.Version(pkg, pin.Key()); found {
			sv, err := semver.ParseVersion(ver.Version)
			if err != nil {
				continue
			}
			cands = append(cands, candidate{ver: ver, sv: sv})
			seen[pin.Key()] = true
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return semver.Better(cands[i].sv, cands[j].sv, s.policy)
	})

	s.pools[pkg] = cands
	return cands
}

// candidates filters the pool through every constraint currently known for
// the package. An empty result is classified as NoSatisfyingVersion when some
// single constraint admits nothing, ConflictingConstraints otherwise.
func (s *solver) candidates(pkg string) ([]candidate, error) {
	entries := s.constraints[pkg]
	pool := s.pool(pkg)

	var out []candidate
	for _, cand := range pool {
		if satisfiesAll(cand.sv, entries) {
			out = append(out, cand)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, entry := range entries {
		if countMatches(pool, entry) == 0 {
			return nil, &NoSatisfyingVersionError{Package: pkg, Chain: refs(entries)}
		}
	}

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if countJoint(pool, entries[i], entries[j]) == 0 {
				return nil, &ConflictingConstraintsError{
					Package:     pkg,
					Constraints: []ConstraintRef{entries[i].ref(), entries[j].ref()},
				}
			}
		}
	}

	return nil, &ConflictingConstraintsError{Package: pkg, Constraints: refs(entries)}
}

func satisfiesAll(v semver.Version, entries []constraintEntry) bool {
	for _, e := range entries {
		if !e.c.Check(v) {
			return false
		}
	}
	return true
}

func countMatches(pool []candidate, e constraintEntry) int {
	n := 0
	for _, cand := range pool {
		if e.c.Check(cand.sv) {
			n++
		}
	}
	return n
}

func countJoint(pool []candidate, a, b constraintEntry) int {
	n := 0
	for _, cand := range pool {
		if a.c.Check(cand.sv) && b.c.Check(cand.sv) {
			n++
		}
	}
	return n
}

func refs(entries []constraintEntry) []ConstraintRef {
	out := make([]ConstraintRef, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ref())
	}
	return out
}

// frame records what an assignment added, so unassign can restore the solver
// to the state before the choice.
type frame struct {
	added    []string
	orderLen int
}

// assign tentatively chooses a version for pkg and propagates its dependency
// constraints. It reports a conflict when a new constraint excludes a version
// already chosen on this branch; the caller then tries the next candidate.
func (s *solver) assign(pkg string, cand candidate) (frame, error) {
	fr := frame{orderLen: len(s.order)}
	s.chosen[pkg] = chosenVersion{ver: cand.ver, sv: cand.sv}
	origin := pkg + "@" + cand.ver.Version

	for _, dep := range cand.ver.Dependencies {
		switch dep.Scope {
		case core.Development, core.Test, core.Optional:
			continue
		}

		c, err := semver.ParseConstraint(dep.Spec)
		if err != nil {
			return fr, fmt.Errorf("dependency %s of %s: %w", dep.Package, origin, err)
		}

		entry := constraintEntry{origin: origin, c: c}
		s.addConstraint(dep.Package, entry)
		fr.added = append(fr.added, dep.Package)

		if existing, done := s.chosen[dep.Package]; done && !c.Check(existing.sv) {
			conflict := &ConflictingConstraintsError{
				Package:     dep.Package,
				Constraints: append(excludingRefs(dep.Package, s, existing.sv), entry.ref()),
			}
			return fr, conflict
		}
	}

	return fr, nil
}

// excludingRefs returns a small witness set: the earlier constraints on pkg
// that the currently chosen version does satisfy, limited to the first, so a
// conflict report stays minimal.
func excludingRefs(pkg string, s *solver, chosen semver.Version) []ConstraintRef {
	entries := s.constraints[pkg]
	for _, e := range entries[:len(entries)-1] {
		if e.c.Check(chosen) {
			return []ConstraintRef{e.ref()}
		}
	}
	return nil
}

func (s *solver) unassign(pkg string, fr frame) {
	delete(s.chosen, pkg)
	for _, name := range fr.added {
		s.popConstraint(name)
	}
	s.order = s.order[:fr.orderLen]
}
