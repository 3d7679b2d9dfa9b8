package deploy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/camptocamp/r10k/cache"
	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/giturl"
	"github.com/camptocamp/r10k/internal/lock"
	"github.com/camptocamp/r10k/workingdir"
)

var ErrNotExist = errors.New("deployment does not exist")

// Target is a working dir kept at the commit a ref of a remote points to
type Target struct {
	Remote string
	Path   string // absolute
	Ref    string
}

// TargetStatus is the state of a working dir compared to its ref
type TargetStatus struct {
	Target
	Status workingdir.Status
	// Commit currently checked out, empty if unknown
	Commit string
	// Err is set if status couldn't be determined
	Err error
}

type deployment struct {
	Target
	wd *workingdir.WorkingDir
}

// Deployer keeps a set of working dirs in sync with their remotes. All
// working dirs of a remote share a cache from the Deployer's pool.
// A Deployer is safe for concurrent use by multiple goroutines.
type Deployer struct {
	lock        lock.RWMutex // protects conf, pool and deployments
	syncLock    lock.Mutex   // working dir syncs are serialised
	conf        Config
	pool        *cache.Pool
	git         command.Runner
	log         *slog.Logger
	deployments []*deployment
	running     bool
	trigger     chan struct{}

	queueLock     lock.Mutex        // protects queued
	queued        map[string]string // remotes waiting for the loop by key
	remoteTrigger chan struct{}
}

// New returns a Deployer for the given config. Nothing is synced until
// SyncAll or StartLoop is called. If runner is nil git is run with the
// environment of the current process.
func New(conf Config, runner command.Runner, log *slog.Logger) (*Deployer, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = command.NewGit("", os.Environ(), log)
	}

	pool, err := cache.NewPool(conf.CacheConfig(), runner, log)
	if err != nil {
		return nil, err
	}

	d := &Deployer{
		conf:    conf,
		pool:    pool,
		git:     runner,
		log:     log,
		trigger: make(chan struct{}, 1),

		queued:        make(map[string]string),
		remoteTrigger: make(chan struct{}, 1),
	}

	d.deployments, err = d.newDeployments(pool, conf)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deployer) newDeployments(pool *cache.Pool, conf Config) ([]*deployment, error) {
	var deps []*deployment
	for _, dc := range conf.Deployments {
		wd, err := workingdir.New(dc.Remote, pool, d.git, d.log)
		if err != nil {
			return nil, err
		}
		deps = append(deps, &deployment{
			Target: Target{Remote: dc.Remote, Path: conf.AbsPath(dc), Ref: dc.Ref},
			wd:     wd,
		})
	}
	return deps, nil
}

// Config returns the current config with defaults applied
func (d *Deployer) Config() Config {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.conf
}

// Pool returns the pool holding the caches of the remotes
func (d *Deployer) Pool() *cache.Pool {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.pool
}

// Targets returns all the working dirs sorted by path
func (d *Deployer) Targets() []Target {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var targets []Target
	for _, dep := range d.deployments {
		targets = append(targets, dep.Target)
	}
	slices.SortFunc(targets, func(a, b Target) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return targets
}

func (d *Deployer) snapshot() (*cache.Pool, []*deployment, time.Duration) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.pool, slices.Clone(d.deployments), d.conf.Defaults.SyncTimeout
}

// SyncAll fetches every remote once and syncs every working dir. A failed
// working dir doesn't stop the others, all errors are returned joined.
func (d *Deployer) SyncAll(ctx context.Context) error {
	d.syncLock.Lock()
	defer d.syncLock.Unlock()

	pool, deps, timeout := d.snapshot()

	// remotes are fetched again only after invalidation
	pool.Invalidate()

	return d.syncDeployments(ctx, deps, timeout)
}

// SyncRemote fetches the given remote and syncs its working dirs only.
// ErrNotExist is returned if no working dir uses the remote.
func (d *Deployer) SyncRemote(ctx context.Context, remote string) error {
	d.syncLock.Lock()
	defer d.syncLock.Unlock()

	pool, deps, timeout := d.snapshot()

	key := giturl.Key(remote)
	var matched []*deployment
	for _, dep := range deps {
		if giturl.Key(dep.Remote) == key {
			matched = append(matched, dep)
		}
	}
	if len(matched) == 0 {
		return ErrNotExist
	}

	if c, err := pool.Lookup(remote); err == nil {
		c.Invalidate()
	}

	return d.syncDeployments(ctx, matched, timeout)
}

func (d *Deployer) syncDeployments(ctx context.Context, deps []*deployment, timeout time.Duration) error {
	var errs []error
	for _, dep := range deps {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := d.sync(ctx, dep, timeout); err != nil {
			errs = append(errs, fmt.Errorf("unable to sync working dir %s err:%w", dep.Path, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Deployer) sync(ctx context.Context, dep *deployment, timeout time.Duration) error {
	defer updateDeployLatency(dep.Path, time.Now())

	sCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := dep.wd.Sync(sCtx, dep.Path, dep.Ref)
	recordDeploy(dep.Path, err == nil)
	if err != nil {
		return err
	}

	if commit, err := dep.wd.Head(sCtx, dep.Path); err == nil {
		recordCommit(dep.Target, commit)
	}
	return nil
}

// SyncCaches fetches the remote of every working dir without touching the
// working dirs
func (d *Deployer) SyncCaches(ctx context.Context) error {
	pool, deps, timeout := d.snapshot()

	pool.Invalidate()

	var errs []error
	synced := make(map[string]bool)
	for _, dep := range deps {
		c := dep.wd.Cache()
		if synced[c.Path()] {
			continue
		}
		synced[c.Path()] = true

		sCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Sync(sCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("unable to sync cache of remote %s err:%w", dep.Remote, err))
		}
	}
	return errors.Join(errs...)
}

// Statuses compares every working dir with its ref in the cache. caches are
// not synced.
func (d *Deployer) Statuses(ctx context.Context) []TargetStatus {
	_, deps, _ := d.snapshot()

	var statuses []TargetStatus
	for _, dep := range deps {
		ts := TargetStatus{Target: dep.Target}
		ts.Status, ts.Err = dep.wd.Status(ctx, dep.Path, dep.Ref)
		if ts.Status != workingdir.StatusAbsent && dep.wd.ClonedAt(dep.Path) {
			// errors can be ignored, empty commit means unknown
			ts.Commit, _ = dep.wd.Head(ctx, dep.Path)
		}
		statuses = append(statuses, ts)
	}
	slices.SortFunc(statuses, func(a, b TargetStatus) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return statuses
}

// QueueSyncAll triggers SyncAll on running loop without waiting for the
// interval. it does nothing if a run is already queued.
func (d *Deployer) QueueSyncAll() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// QueueSyncRemote queues SyncRemote of the remote on running loop and returns
// without waiting for it. A remote already waiting in the queue is not added
// again so a burst of calls results in a single sync. ErrNotExist is
// returned if no working dir uses the remote.
func (d *Deployer) QueueSyncRemote(remote string) error {
	key := giturl.Key(remote)

	d.lock.RLock()
	used := slices.ContainsFunc(d.deployments, func(dep *deployment) bool {
		return giturl.Key(dep.Remote) == key
	})
	d.lock.RUnlock()
	if !used {
		return ErrNotExist
	}

	d.queueLock.Lock()
	if _, ok := d.queued[key]; !ok {
		d.queued[key] = remote
	}
	d.queueLock.Unlock()

	select {
	case d.remoteTrigger <- struct{}{}:
	default:
	}
	return nil
}

// syncQueuedRemotes empties the queue and syncs every remote that was in it
func (d *Deployer) syncQueuedRemotes(ctx context.Context) {
	d.queueLock.Lock()
	queued := d.queued
	d.queued = make(map[string]string)
	d.queueLock.Unlock()

	for _, remote := range queued {
		err := d.SyncRemote(ctx, remote)
		switch {
		case errors.Is(err, ErrNotExist):
			// deployment removed since it was queued
			d.log.Debug("queued remote is no longer deployed", "remote", remote)
		case err != nil:
			d.log.Error("queued remote sync failed", "remote", remote, "err", err)
		}
	}
}

// StartLoop syncs all working dirs periodically until ctx is cancelled.
// Remotes queued with QueueSyncRemote are synced in between.
// It blocks so it should be started in its own go routine.
func (d *Deployer) StartLoop(ctx context.Context) {
	d.lock.Lock()
	if d.running {
		d.lock.Unlock()
		d.log.Error("deployment loop has already been started")
		return
	}
	d.running = true
	interval := d.conf.Defaults.Interval
	d.lock.Unlock()

	d.log.Info("started deployment loop", "interval", interval)

	defer func() {
		d.lock.Lock()
		d.running = false
		d.lock.Unlock()
	}()

	for {
		if err := d.SyncAll(ctx); err != nil {
			d.log.Error("deployment sync failed", "err", err)
		}

		d.lock.RLock()
		interval = d.conf.Defaults.Interval
		d.lock.RUnlock()

		t := time.NewTimer(jitter(interval, 0.1))
	wait:
		for {
			select {
			case <-t.C:
				break wait
			case <-d.trigger:
				t.Stop()
				break wait
			case <-d.remoteTrigger:
				d.syncQueuedRemotes(ctx)
			case <-ctx.Done():
				t.Stop()
				d.log.Info("deployment loop stopped")
				return
			}
		}
	}
}

// Reconfigure replaces the deployments with the ones in the given config.
// Working dirs of removed deployments are left on disk, use purge to
// remove them. Caches are re-created if cache config has changed.
func (d *Deployer) Reconfigure(conf Config) error {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	pool := d.pool
	if conf.CacheConfig() != d.conf.CacheConfig() {
		d.log.Info("cache config changed, creating new cache pool", "root", conf.Defaults.CacheRoot)
		var err error
		if pool, err = cache.NewPool(conf.CacheConfig(), d.git, d.log); err != nil {
			return err
		}
	}

	deps, err := d.newDeployments(pool, conf)
	if err != nil {
		return err
	}

	added, removed := diffTargets(d.deployments, deps)
	for _, t := range removed {
		d.log.Info("deployment removed", "path", t.Path, "remote", t.Remote, "ref", t.Ref)
		forgetTarget(t.Path)
	}
	for _, t := range added {
		d.log.Info("deployment added", "path", t.Path, "remote", t.Remote, "ref", t.Ref)
	}

	// drop caches of remotes no longer used
	for _, remote := range pool.Remotes() {
		if !slices.ContainsFunc(deps, func(dep *deployment) bool {
			return giturl.Key(dep.Remote) == giturl.Key(remote)
		}) {
			if err := pool.Remove(remote); err != nil {
				d.log.Error("unable to remove cache of unused remote", "remote", remote, "err", err)
			}
		}
	}

	d.conf = conf
	d.pool = pool
	d.deployments = deps

	if len(added) > 0 {
		d.QueueSyncAll()
	}
	return nil
}

// diffTargets returns targets only found in newDeps and targets only found
// in currentDeps
func diffTargets(currentDeps, newDeps []*deployment) (added, removed []Target) {
	contains := func(deps []*deployment, t Target) bool {
		return slices.ContainsFunc(deps, func(dep *deployment) bool {
			return dep.Target == t
		})
	}

	for _, dep := range newDeps {
		if !contains(currentDeps, dep.Target) {
			added = append(added, dep.Target)
		}
	}
	for _, dep := range currentDeps {
		if !contains(newDeps, dep.Target) {
			removed = append(removed, dep.Target)
		}
	}
	return added, removed
}

// jitter returns a time.Duration between duration and maxFactor * duration.
func jitter(duration time.Duration, maxFactor float64) time.Duration {
	return duration + time.Duration(rand.Float64()*maxFactor*float64(duration))
}
