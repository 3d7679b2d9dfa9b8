package workingdir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/camptocamp/r10k/cache"
	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/internal/utils"
)

// cacheRemote is the name of the remote pointing at the cache in every
// working dir
const cacheRemote = "cache"

// ObjectCache is the shared object store of a remote
type ObjectCache interface {
	// Sync brings the object store up to date with the remote
	Sync(ctx context.Context) error
	// Path returns the location of the bare repository of the store
	Path() string
}

// WorkingDir synchronises working dirs of a single remote. It keeps no
// state about the working dirs it syncs, every call gets the path.
type WorkingDir struct {
	remote string
	cache  ObjectCache
	git    command.Runner
	log    *slog.Logger
}

// New returns a WorkingDir for the remote using the cache of the remote from
// given pool. Every WorkingDir created from the same pool for the same
// remote shares one cache. If pool is nil the process wide default pool is
// used and if runner is nil git is run with the current process environment.
func New(remote string, pool *cache.Pool, runner command.Runner, log *slog.Logger) (*WorkingDir, error) {
	if pool == nil {
		pool = cache.DefaultPool()
	}
	c, err := pool.Get(remote)
	if err != nil {
		return nil, fmt.Errorf("unable to get cache for remote '%s' err:%w", remote, err)
	}
	return NewWithCache(remote, c, runner, log), nil
}

// NewWithCache returns a WorkingDir for the remote which uses given cache
func NewWithCache(remote string, c ObjectCache, runner command.Runner, log *slog.Logger) *WorkingDir {
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = command.NewGit("", os.Environ(), log)
	}
	remote = strings.TrimSpace(remote)
	return &WorkingDir{
		remote: remote,
		cache:  c,
		git:    runner,
		log:    log.With("remote", remote),
	}
}

// Remote returns the remote of the working dirs
func (w *WorkingDir) Remote() string {
	return w.remote
}

// Cache returns the object cache of the remote
func (w *WorkingDir) Cache() ObjectCache {
	return w.cache
}

type syncOptions struct {
	updateCache bool
}

// SyncOption changes the behaviour of Sync
type SyncOption func(*syncOptions)

// UpdateCache controls whether the cache is synced before the working dir
// (default true). Use UpdateCache(false) if cache was already synced by the
// caller or to reset the working dir without contacting the remote.
func UpdateCache(update bool) SyncOption {
	return func(o *syncOptions) {
		o.updateCache = update
	}
}

// Sync brings the working dir at path to the commit ref resolves to.
//  1. sync cache (unless disabled)
//  2. clone if path is not a clone yet otherwise fetch from the cache
//  3. hard reset the working dir to the commit of the ref
//
// Local changes to tracked files are discarded. On error the working dir is
// left as is, ie. fetched but not reset.
func (w *WorkingDir) Sync(ctx context.Context, path, ref string, opts ...SyncOption) error {
	o := syncOptions{updateCache: true}
	for _, opt := range opts {
		opt(&o)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("unable to convert given path '%s' to abs path err:%w", path, err)
	}
	path = absPath

	if o.updateCache {
		if err := w.cache.Sync(ctx); err != nil {
			return err
		}
	}

	if w.ClonedAt(path) {
		if err := w.fetch(ctx, path); err != nil {
			return err
		}
	} else {
		if err := w.clone(ctx, path); err != nil {
			return err
		}
	}

	return w.reset(ctx, path, ref)
}

// ClonedAt returns true if path holds a git repository (.git dir)
func (w *WorkingDir) ClonedAt(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return utils.IsDir(filepath.Join(path, ".git"))
}

// clone creates a new clone of the remote at path which borrows objects
// from the cache and has the cache added as a remote.
func (w *WorkingDir) clone(ctx context.Context, path string) error {
	w.log.Info("cloning working dir", "path", path)

	// objects found in the cache are not copied, the clone reads them via
	// objects/info/alternates. origin still points at the remote.
	// git clone --reference <cache> <remote> <path>
	if _, err := w.git.Run(ctx, command.Options{}, "clone", "--no-progress", "--reference", w.cache.Path(), w.remote, path); err != nil {
		return err
	}

	// git remote add cache <cache>
	_, err := w.git.Run(ctx, command.Options{Path: path}, "remote", "add", cacheRemote, w.cache.Path())
	return err
}

// fetch updates an existing clone from the cache. working tree is not touched.
func (w *WorkingDir) fetch(ctx context.Context, path string) error {
	w.log.Debug("fetching working dir from cache", "path", path)

	// cache might have moved so always re-assert its location
	// git remote set-url cache <cache>
	if _, err := w.git.Run(ctx, command.Options{Path: path}, "remote", "set-url", cacheRemote, w.cache.Path()); err != nil {
		return err
	}

	// git fetch --prune cache
	_, err := w.git.Run(ctx, command.Options{Path: path}, "fetch", "--prune", "--no-progress", cacheRemote)
	return err
}

// reset points the working tree at the commit ref resolves to in the cache
func (w *WorkingDir) reset(ctx context.Context, path, ref string) error {
	commit, err := w.ResolveCommit(ctx, ref)
	if err != nil {
		return err
	}

	// git reset --hard <commit>
	if _, err := w.git.Run(ctx, command.Options{Path: path}, "reset", "-q", "--hard", commit); err != nil {
		w.log.Error("unable to reset working dir to commit", "commit", commit, "path", path, "err", err)
		return &ResetError{Commit: commit, Path: path, Err: err}
	}

	w.log.Info("working dir synced", "path", path, "ref", ref, "commit", commit)
	return nil
}

// ResolveCommit returns the commit given ref points to in the cache. Tags are
// dereferenced to the commit they point at. The working dir is not used so
// every working dir of the remote resolves a ref to the same commit.
func (w *WorkingDir) ResolveCommit(ctx context.Context, ref string) (string, error) {
	var out string
	var err error
	if ref == "" || strings.HasPrefix(ref, "-") {
		err = fmt.Errorf("invalid ref '%s'", ref)
	} else {
		// git --git-dir <cache> rev-parse --verify <ref>^{commit}
		out, err = w.git.Run(ctx, command.Options{GitDir: w.cache.Path()}, "rev-parse", "--verify", ref+"^{commit}")
	}
	if err != nil {
		w.log.Error("unable to resolve ref in cache", "ref", ref, "cache", w.cache.Path(), "err", err)
		return "", &ResolveError{Ref: ref, CachePath: w.cache.Path(), Err: err}
	}
	return strings.TrimSpace(out), nil
}

// Head returns the commit currently checked out at path
func (w *WorkingDir) Head(ctx context.Context, path string) (string, error) {
	// git rev-parse HEAD
	out, err := w.git.Run(ctx, command.Options{Path: path}, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
