package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/git-pkgs/registry/internal/core"
)

var (
	alice = core.Identity{ID: "alice"}
	bob   = core.Identity{ID: "bob"}
	root  = core.Identity{ID: "root", Role: core.RoleAdmin}
)

func draft(pkg, version string) Draft {
	return Draft{
		Package: pkg,
		Version: version,
		Key:     version,
		Digest:  "sha256:" + fmt.Sprintf("%064d", 0),
	}
}

func mustCommit(t *testing.T, m *Memory, who core.Identity, pkg, version string) core.Version {
	t.Helper()
	v, err := m.CommitVersion(context.Background(), who, draft(pkg, version))
	if err != nil {
		t.Fatalf("CommitVersion(%s, %s@%s): %v", who.ID, pkg, version, err)
	}
	return v
}

func TestCommitCreatesPackage(t *testing.T) {
	m := NewMemory(WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	ctx := context.Background()

	v := mustCommit(t, m, alice, "left-pad", "1.0.0")
	if v.Key != "1.0.0" || v.State != core.StateActive {
		t.Errorf("committed version = %+v", v)
	}
	if v.PublishedBy != "alice" {
		t.Errorf("PublishedBy = %q, want alice", v.PublishedBy)
	}

	pkg, err := m.GetPackage(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if pkg.CreatedBy != "alice" {
		t.Errorf("CreatedBy = %q, want alice", pkg.CreatedBy)
	}

	owners, err := m.Owners(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != "alice" {
		t.Errorf("first publisher should be sole owner, got %v", owners)
	}
}

func TestCreateOrGetPackage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	pkg, err := m.CreateOrGetPackage(ctx, "left-pad", alice)
	if err != nil {
		t.Fatal(err)
	}
	if pkg.CreatedBy != "alice" {
		t.Errorf("CreatedBy = %q, want alice", pkg.CreatedBy)
	}

	owners, err := m.Owners(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != "alice" {
		t.Errorf("creator should be sole owner, got %v", owners)
	}

	// Claiming an existing name is a read: bob does not become an owner.
	if _, err := m.CreateOrGetPackage(ctx, "left-pad", bob); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CommitVersion(ctx, bob, draft("left-pad", "1.0.0")); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("commit by non-owner: error = %v, want ErrForbidden", err)
	}

	// The claimed name is no longer open to first-publish by others, but the
	// owner can publish into it.
	v := mustCommit(t, m, alice, "left-pad", "1.0.0")
	if v.PublishedBy != "alice" {
		t.Errorf("PublishedBy = %q, want alice", v.PublishedBy)
	}
}

func TestCommitDuplicateVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")

	_, err := m.CommitVersion(ctx, alice, draft("left-pad", "1.0.0"))
	if !errors.Is(err, core.ErrVersionExists) {
		t.Fatalf("duplicate commit: error = %v, want ErrVersionExists", err)
	}

	// Build metadata does not create a distinct version: same precedence key.
	d := draft("left-pad", "1.0.0+build.7")
	if _, err := m.CommitVersion(ctx, alice, d); !errors.Is(err, core.ErrVersionExists) {
		t.Errorf("metadata variant: error = %v, want ErrVersionExists", err)
	}
}

func TestCommitDuplicateAfterYank(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")
	if _, err := m.Yank(ctx, "left-pad", "1.0.0"); err != nil {
		t.Fatal(err)
	}

	// A yanked version still occupies its slot forever.
	if _, err := m.CommitVersion(ctx, alice, draft("left-pad", "1.0.0")); !errors.Is(err, core.ErrVersionExists) {
		t.Errorf("republish of yanked version: error = %v, want ErrVersionExists", err)
	}
}

func TestCommitOwnership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")

	if _, err := m.CommitVersion(ctx, bob, draft("left-pad", "1.1.0")); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("non-owner commit: error = %v, want ErrForbidden", err)
	}

	// Admins bypass the ownership check.
	mustCommit(t, m, root, "left-pad", "1.1.0")

	// A granted owner can publish.
	if err := m.AddOwner(ctx, "left-pad", "bob"); err != nil {
		t.Fatal(err)
	}
	mustCommit(t, m, bob, "left-pad", "1.2.0")
}

func TestConcurrentCommitSameVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	mustCommit(t, m, alice, "left-pad", "1.0.0")

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.CommitVersion(ctx, alice, draft("left-pad", "2.0.0"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, core.ErrVersionExists):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d commits won, want exactly 1", wins)
	}

	versions, err := m.ListVersions(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Errorf("ledger holds %d versions, want 2", len(versions))
	}
}

func TestConcurrentFirstPublish(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := core.Identity{ID: fmt.Sprintf("user-%d", i)}
			_, errs[i] = m.CommitVersion(ctx, who, draft("fresh", "1.0.0"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, core.ErrVersionExists) && !errors.Is(err, core.ErrForbidden) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d first publishes won, want exactly 1", wins)
	}

	owners, err := m.Owners(ctx, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 {
		t.Errorf("package has %d owners after the race, want 1", len(owners))
	}
}

func TestYank(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")
	mustCommit(t, m, alice, "left-pad", "1.1.0")

	v, err := m.Yank(ctx, "left-pad", "1.1.0")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Yanked() {
		t.Error("yanked version not marked yanked")
	}

	// Idempotent.
	if _, err := m.Yank(ctx, "left-pad", "1.1.0"); err != nil {
		t.Errorf("second yank: %v", err)
	}

	active, err := m.ListActiveVersions(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Key != "1.0.0" {
		t.Errorf("active versions = %v, want just 1.0.0", active)
	}

	all, err := m.ListVersions(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("full list hides the yanked version: %v", all)
	}

	// A yanked version stays addressable by key.
	if _, err := m.GetVersion(ctx, "left-pad", "1.1.0"); err != nil {
		t.Errorf("GetVersion after yank: %v", err)
	}

	if _, err := m.Yank(ctx, "left-pad", "9.9.9"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("yank of unknown version: error = %v, want ErrNotFound", err)
	}
}

func TestVersionOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "2.0.0", "1.5.0", "2.0.0-rc.1"} {
		mustCommit(t, m, alice, "left-pad", v)
	}

	versions, err := m.ListVersions(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"2.0.0", "2.0.0-rc.1", "1.5.0", "1.0.0"}
	for i, key := range want {
		if versions[i].Key != key {
			t.Errorf("position %d = %s, want %s", i, versions[i].Key, key)
		}
	}
}

func TestOwners(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")

	if err := m.AddOwner(ctx, "left-pad", "bob"); err != nil {
		t.Fatal(err)
	}
	// Adding an existing owner is a no-op.
	if err := m.AddOwner(ctx, "left-pad", "bob"); err != nil {
		t.Fatal(err)
	}

	owners, _ := m.Owners(ctx, "left-pad")
	if len(owners) != 2 {
		t.Fatalf("owners = %v, want [alice bob]", owners)
	}

	if err := m.RemoveOwner(ctx, "left-pad", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveOwner(ctx, "left-pad", "bob"); !errors.Is(err, ErrLastOwner) {
		t.Errorf("removing last owner: error = %v, want ErrLastOwner", err)
	}
	if err := m.RemoveOwner(ctx, "left-pad", "carol"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("removing non-owner: error = %v, want ErrNotFound", err)
	}
}

func TestTags(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")
	mustCommit(t, m, alice, "left-pad", "1.1.0")

	if err := m.SetTag(ctx, "left-pad", "stable", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	v, err := m.ResolveTag(ctx, "left-pad", "stable")
	if err != nil {
		t.Fatal(err)
	}
	if v.Key != "1.0.0" {
		t.Errorf("stable -> %s, want 1.0.0", v.Key)
	}

	// Tags are mutable pointers.
	if err := m.SetTag(ctx, "left-pad", "stable", "1.1.0"); err != nil {
		t.Fatal(err)
	}
	v, _ = m.ResolveTag(ctx, "left-pad", "stable")
	if v.Key != "1.1.0" {
		t.Errorf("stable -> %s after retag, want 1.1.0", v.Key)
	}

	if err := m.SetTag(ctx, "left-pad", "next", "9.9.9"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("tagging unknown version: error = %v, want ErrNotFound", err)
	}
	if _, err := m.ResolveTag(ctx, "left-pad", "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("resolving unknown tag: error = %v, want ErrNotFound", err)
	}
}

func TestDownloads(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")
	mustCommit(t, m, alice, "left-pad", "1.1.0")

	for i := 0; i < 3; i++ {
		if err := m.RecordDownload(ctx, "left-pad", "1.0.0"); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RecordDownload(ctx, "left-pad", "1.1.0"); err != nil {
		t.Fatal(err)
	}

	total, err := m.Downloads(ctx, "left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Errorf("Downloads = %d, want 4", total)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mustCommit(t, m, alice, "left-pad", "1.0.0")
	snap := m.Snapshot()

	mustCommit(t, m, alice, "left-pad", "2.0.0")
	if _, err := m.Yank(ctx, "left-pad", "1.0.0"); err != nil {
		t.Fatal(err)
	}

	// The snapshot still sees the world as it was.
	active := snap.ActiveVersions("left-pad")
	if len(active) != 1 || active[0].Key != "1.0.0" {
		t.Errorf("snapshot active versions = %v, want just active 1.0.0", active)
	}
	if _, ok := snap.Version("left-pad", "2.0.0"); ok {
		t.Error("snapshot sees a version committed after capture")
	}

	// A fresh snapshot sees the new state.
	fresh := m.Snapshot()
	if _, ok := fresh.Version("left-pad", "2.0.0"); !ok {
		t.Error("fresh snapshot misses committed version")
	}
	if got := fresh.ActiveVersions("left-pad"); len(got) != 1 || got[0].Key != "2.0.0" {
		t.Errorf("fresh snapshot active versions = %v, want just 2.0.0", got)
	}
}

func TestNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetPackage(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetPackage: error = %v, want ErrNotFound", err)
	}
	if _, err := m.ListVersions(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ListVersions: error = %v, want ErrNotFound", err)
	}
	mustCommit(t, m, alice, "left-pad", "1.0.0")
	if _, err := m.GetVersion(ctx, "left-pad", "9.9.9"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetVersion: error = %v, want ErrNotFound", err)
	}
}
