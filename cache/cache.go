package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/giturl"
	"github.com/camptocamp/r10k/internal/lock"
	"github.com/camptocamp/r10k/internal/utils"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Cache is the bare mirror of a remote on local disk. Working dirs of the
// same remote borrow objects from it so that objects are only fetched and
// stored once. A Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	lock   lock.Mutex     // held during sync
	remote string         // remote to mirror as given by the user
	key    string         // identity of the remote, used as metrics label
	dir    string         // absolute path to the bare mirror
	gitGC  gcMode         // garbage collection
	git    command.Runner // runs git commands
	log    *slog.Logger

	generation uint64 // incremented by Invalidate
	syncedGen  uint64 // generation of the last successful sync
	synced     bool
}

// New creates a cache of the given remote under the configured root.
// Nothing is written to disk until Sync is called.
func New(remote string, conf Config, runner command.Runner, log *slog.Logger) (*Cache, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return nil, fmt.Errorf("remote cannot be empty")
	}

	// git records relative local remotes as absolute paths
	if giturl.IsLocalPath(remote) && !filepath.IsAbs(remote) {
		abs, err := filepath.Abs(remote)
		if err != nil {
			return nil, fmt.Errorf("unable to convert remote '%s' to abs path err:%w", remote, err)
		}
		remote = abs
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if runner == nil {
		return nil, fmt.Errorf("command runner is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Cache{
		remote: remote,
		key:    giturl.Key(remote),
		dir:    filepath.Join(conf.Root, dirName(remote)),
		gitGC:  gcMode(conf.GitGC),
		git:    runner,
		log:    log.With("cache", giturl.Key(remote)),
	}, nil
}

// dirName returns the name of the mirror dir of the remote. DirName alone
// maps '/' and '-' to the same char so a short hash of the key is appended
// to keep names of different remotes apart.
func dirName(remote string) string {
	key := giturl.Key(remote)
	sum := sha256.Sum256([]byte(key))
	return strings.TrimLeft(giturl.DirName(key), "-") + "-" + hex.EncodeToString(sum[:4]) + ".git"
}

// Path returns the absolute path of the bare mirror
func (c *Cache) Path() string {
	return c.dir
}

// Remote returns the remote of the cache
func (c *Cache) Remote() string {
	return c.remote
}

// Cached returns true if the mirror dir exists on disk. it doesn't verify
// that the dir is a usable mirror.
func (c *Cache) Cached() bool {
	return utils.IsDir(c.dir)
}

// Invalidate marks the cache as stale, the next Sync call will fetch
// from the remote again.
func (c *Cache) Invalidate() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.generation++
}

// Sync brings the mirror up to date with the remote. The remote is only
// contacted once until Invalidate is called, subsequent calls return
// immediately. Concurrent calls are serialised.
func (c *Cache) Sync(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.synced && c.syncedGen == c.generation {
		c.log.Debug("cache already synced")
		return nil
	}

	return c.sync(ctx)
}

// ForceSync brings the mirror up to date with the remote regardless of
// any previous sync.
func (c *Cache) ForceSync(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.sync(ctx)
}

// sync must be called with the lock held
func (c *Cache) sync(ctx context.Context) error {
	defer updateSyncLatency(c.key, time.Now())

	start := time.Now()

	err := c.mirror(ctx)
	recordSync(c.key, err == nil)
	if err != nil {
		return err
	}

	c.synced = true
	c.syncedGen = c.generation

	c.log.Info("cache sync complete", "time", time.Since(start))
	return nil
}

// mirror creates the mirror with `git clone --mirror` if its missing or
// unusable otherwise it fetches from the remote.
func (c *Cache) mirror(ctx context.Context) error {
	_, err := os.Stat(c.dir)
	switch {
	case os.IsNotExist(err):
		c.log.Info("cache directory does not exist, creating it", "path", c.dir)
		return c.clone(ctx)
	case err != nil:
		return fmt.Errorf("unable to verify cache dir err:%w", err)
	}

	if !c.sanityCheck(ctx) {
		c.log.Error("cache directory failed checks, re-creating...", "path", c.dir)
		// since cache owns the whole dir we could just delete it
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("can't delete unusable cache dir: %w", err)
		}
		return c.clone(ctx)
	}

	// git --git-dir <dir> fetch --prune --no-progress origin
	if _, err := c.git.Run(ctx, command.Options{GitDir: c.dir}, "fetch", "--prune", "--no-progress", "origin"); err != nil {
		return err
	}

	return c.gc(ctx)
}

func (c *Cache) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.dir), utils.DefaultDirMode); err != nil {
		return fmt.Errorf("unable to create cache root err:%w", err)
	}

	// --mirror maps every ref of the remote to the same ref in the cache
	// and implies --bare.
	// git clone --mirror <remote> <dir>
	_, err := c.git.Run(ctx, command.Options{}, "clone", "--mirror", "--no-progress", c.remote, c.dir)
	return err
}

// sanityCheck tries to make sure that the cache dir is a bare repository
// mirroring the configured remote.
func (c *Cache) sanityCheck(ctx context.Context) bool {
	if empty, err := utils.DirIsEmpty(c.dir); err != nil {
		c.log.Error("can't list cache directory", "path", c.dir, "err", err)
		return false
	} else if empty {
		c.log.Info("cache directory is empty", "path", c.dir)
		return false
	}

	// git rev-parse --is-bare-repository
	if ok, err := c.git.Run(ctx, command.Options{GitDir: c.dir}, "rev-parse", "--is-bare-repository"); err != nil {
		c.log.Error("unable to verify bare repo", "path", c.dir, "err", err)
		return false
	} else if ok != "true" {
		c.log.Error("cache is not a bare repository", "path", c.dir)
		return false
	}

	// Check that this is actually the root of the repo.
	// git rev-parse --absolute-git-dir
	if root, err := c.git.Run(ctx, command.Options{GitDir: c.dir}, "rev-parse", "--absolute-git-dir"); err != nil {
		c.log.Error("can't get cache git dir", "path", c.dir, "err", err)
		return false
	} else if !samePath(root, c.dir) {
		c.log.Error("cache directory is under another repo", "path", c.dir, "parent", root)
		return false
	}

	// git config --get remote.origin.url
	if stdout, err := c.git.Run(ctx, command.Options{GitDir: c.dir}, "config", "--get", "remote.origin.url"); err != nil {
		c.log.Error("can't get cache config remote.origin.url", "path", c.dir, "err", err)
		return false
	} else if stdout != c.remote {
		c.log.Error("cache configured with diff remote url", "path", c.dir, "remote.origin.url", stdout)
		return false
	}

	return true
}

func (c *Cache) gc(ctx context.Context) error {
	if c.gitGC == gcOff {
		return nil
	}

	args := []string{"gc"}
	switch c.gitGC {
	case gcAuto:
		args = append(args, "--auto")
	case gcAlways:
		// no extra flags
	case gcAggressive:
		args = append(args, "--aggressive")
	}
	if _, err := c.git.Run(ctx, command.Options{GitDir: c.dir}, args...); err != nil {
		return fmt.Errorf("unable to run gc on cache err:%w", err)
	}
	return nil
}

// Branches returns the short names of all branches in the cache
func (c *Cache) Branches(ctx context.Context) ([]string, error) {
	return c.refs(ctx, plumbing.ReferenceName.IsBranch)
}

// Tags returns the names of all tags in the cache
func (c *Cache) Tags(ctx context.Context) ([]string, error) {
	return c.refs(ctx, plumbing.ReferenceName.IsTag)
}

// refs lists refs of the mirror by reading refs and packed-refs directly
func (c *Cache) refs(ctx context.Context, match func(plumbing.ReferenceName) bool) ([]string, error) {
	if !c.Cached() {
		return nil, fmt.Errorf("cache of '%s' has not been synced yet", c.remote)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	repo, err := git.PlainOpen(c.dir)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache %s err:%w", c.dir, err)
	}

	iter, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("unable to list references err:%w", err)
	}
	defer iter.Close()

	var refs []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if match(ref.Name()) {
			refs = append(refs, ref.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to iterate references err:%w", err)
	}

	slices.Sort(refs)
	return refs, nil
}

// samePath compares paths after resolving symlinks
// ie. /tmp vs /private/tmp on macOS
func samePath(l, r string) bool {
	if l == r {
		return true
	}
	lr, err := filepath.EvalSymlinks(l)
	if err != nil {
		return false
	}
	rr, err := filepath.EvalSymlinks(r)
	if err != nil {
		return false
	}
	return lr == rr
}
