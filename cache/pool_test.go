package cache

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/camptocamp/r10k/command"
	"github.com/google/go-cmp/cmp"
)

func TestPool_Get(t *testing.T) {
	root := t.TempDir()
	pool, err := NewPool(Config{Root: root}, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	c1, err := pool.Get("git@github.com:org/repo.git")
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	tests := []struct {
		name   string
		remote string
		same   bool
	}{
		{"same", "git@github.com:org/repo.git", true},
		{"ssh", "ssh://git@github.com/org/repo.git", true},
		{"https-no-suffix", "https://github.com/org/repo", true},
		{"upper", "HTTPS://GITHUB.COM/ORG/REPO.GIT", true},
		{"other-repo", "https://github.com/org/other.git", false},
		{"other-org", "https://github.com/other/repo.git", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c2, err := pool.Get(tt.remote)
			if err != nil {
				t.Fatalf("unexpected err:%s", err)
			}
			if (c1 == c2) != tt.same {
				t.Errorf("Get(%s) same cache = %t, want %t", tt.remote, c1 == c2, tt.same)
			}
		})
	}

	// all spellings of the remote share the mirror dir
	if got, want := c1.Path(), filepath.Join(root, dirName("https://github.com/org/repo")); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}

	want := []string{"git@github.com:org/repo.git", "https://github.com/org/other.git", "https://github.com/other/repo.git"}
	if diff := cmp.Diff(want, pool.Remotes()); diff != "" {
		t.Errorf("Remotes() mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_Get_distinct_dirs(t *testing.T) {
	root := t.TempDir()
	pool, err := NewPool(Config{Root: root}, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	c1, err := pool.Get("https://github.com/org/a-b.git")
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	c2, err := pool.Get("https://github.com/org-a/b.git")
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	if c1 == c2 {
		t.Fatal("expected different caches")
	}
	if c1.Path() == c2.Path() {
		t.Errorf("expected different mirror dirs got %s", c1.Path())
	}
	if got, want := c1.Path(), filepath.Join(root, "github.com-org-a-b-7cce4d5b.git"); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
	if got, want := c2.Path(), filepath.Join(root, "github.com-org-a-b-9c6d9105.git"); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
}

func TestPool_Get_concurrent(t *testing.T) {
	pool, err := NewPool(Config{Root: t.TempDir()}, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	var wg sync.WaitGroup
	caches := make([]*Cache, 20)
	for i := range caches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := pool.Get("https://github.com/org/repo.git")
			if err != nil {
				t.Errorf("unexpected err:%s", err)
				return
			}
			caches[i] = c
		}()
	}
	wg.Wait()

	for i := range caches {
		if caches[i] != caches[0] {
			t.Fatalf("expected all goroutines to get the same cache")
		}
	}
}

func TestPool_Lookup_Remove(t *testing.T) {
	pool, err := NewPool(Config{Root: t.TempDir()}, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}

	if _, err := pool.Lookup("https://github.com/org/repo.git"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist got %v", err)
	}

	c, err := pool.Get("https://github.com/org/repo.git")
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if got, err := pool.Lookup("git@github.com:org/repo"); err != nil || got != c {
		t.Errorf("Lookup() = %v, %v want cache", got, err)
	}

	if err := pool.Remove("https://github.com/org/repo"); err != nil {
		t.Errorf("unexpected err:%s", err)
	}
	if err := pool.Remove("https://github.com/org/repo"); !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist got %v", err)
	}
	if len(pool.Remotes()) != 0 {
		t.Errorf("expected empty pool")
	}
}

func TestPool_Invalidate(t *testing.T) {
	testTmpDir := t.TempDir()
	upstream := filepath.Join(testTmpDir, testUpstreamRepo)
	mustInitRepo(t, upstream, "file", t.Name()+"-1")

	pool, err := NewPool(Config{Root: filepath.Join(testTmpDir, "cache")}, command.NewGit("", testENVs, testLog), testLog)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	c, err := pool.Get(upstream)
	if err != nil {
		t.Fatalf("unexpected err:%s", err)
	}
	if err := c.Sync(t.Context()); err != nil {
		t.Fatalf("unable to sync cache err:%v", err)
	}

	hash := mustCommit(t, upstream, "file", t.Name()+"-2")

	pool.Invalidate()
	if err := c.Sync(t.Context()); err != nil {
		t.Fatalf("unable to sync cache err:%v", err)
	}
	assertCommit(t, c.Path(), testMainBranch, hash)
}

func TestNewPool_invalid_config(t *testing.T) {
	if _, err := NewPool(Config{Root: "relative/root"}, nil, nil); err == nil {
		t.Errorf("expected error for relative root")
	}
}

func TestDefaultPool(t *testing.T) {
	if DefaultPool() != DefaultPool() {
		t.Errorf("expected DefaultPool to return the same pool")
	}
	if got, want := DefaultPool().Root(), DefaultRoot(); got != want {
		t.Errorf("Root() = %s, want %s", got, want)
	}
}
