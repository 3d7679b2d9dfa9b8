package cache

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/giturl"
	"github.com/camptocamp/r10k/internal/lock"
)

var (
	ErrNotExist = errors.New("cache does not exist")

	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// Pool is the registry of caches keyed by remote identity. All working dirs
// of a remote created from the same Pool share one Cache, so the remote is
// fetched at most once per sync generation no matter how many working dirs
// reference it. A Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	lock   lock.RWMutex
	conf   Config
	git    command.Runner
	log    *slog.Logger
	caches map[string]*Cache
}

// NewPool returns an empty pool. Caches are created on first Get.
func NewPool(conf Config, runner command.Runner, log *slog.Logger) (*Pool, error) {
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

	return &Pool{
		conf:   conf,
		git:    runner,
		log:    log,
		caches: make(map[string]*Cache),
	}, nil
}

// DefaultPool returns the process wide pool. It uses the default cache
// root and runs git with the environment of the current process.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		var err error
		defaultPool, err = NewPool(Config{}, nil, nil)
		if err != nil {
			// default config is always valid
			panic(err)
		}
	})
	return defaultPool
}

// Root returns the dir under which caches are created
func (p *Pool) Root() string {
	return p.conf.Root
}

// Get returns the cache of the given remote, creating it if this is the
// first time the remote is seen.
func (p *Pool) Get(remote string) (*Cache, error) {
	key := giturl.Key(remote)

	p.lock.RLock()
	if c, ok := p.caches[key]; ok {
		p.lock.RUnlock()
		return c, nil
	}
	p.lock.RUnlock()

	p.lock.Lock()
	defer p.lock.Unlock()

	// another goroutine might have created it while lock was released
	if c, ok := p.caches[key]; ok {
		return c, nil
	}

	c, err := New(remote, p.conf, p.git, p.log)
	if err != nil {
		return nil, err
	}
	p.caches[key] = c
	return c, nil
}

// Lookup returns the cache of the given remote only if it was created before
func (p *Pool) Lookup(remote string) (*Cache, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if c, ok := p.caches[giturl.Key(remote)]; ok {
		return c, nil
	}
	return nil, ErrNotExist
}

// Remotes returns remotes of all the caches in the pool
func (p *Pool) Remotes() []string {
	p.lock.RLock()
	defer p.lock.RUnlock()

	var remotes []string
	for _, c := range p.caches {
		remotes = append(remotes, c.remote)
	}
	slices.Sort(remotes)
	return remotes
}

// Invalidate marks every cache in the pool as stale
func (p *Pool) Invalidate() {
	p.lock.RLock()
	defer p.lock.RUnlock()

	for _, c := range p.caches {
		c.Invalidate()
	}
}

// Remove drops the cache of the given remote from the pool. The mirror on
// disk is left in place.
func (p *Pool) Remove(remote string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	key := giturl.Key(remote)
	if _, ok := p.caches[key]; !ok {
		return ErrNotExist
	}
	delete(p.caches, key)
	return nil
}
