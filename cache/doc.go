// Package cache maintains bare mirrors of remote repositories on local disk.
//
// A mirror is created with `git clone --mirror` hence everything in `refs/*`
// on the remote is mirrored into `refs/*` of the cache. Working dirs use the
// mirror as a `--reference` (alternates) so that objects are stored and
// fetched once per remote rather than once per working dir.
//
// Caches are obtained from a Pool keyed by remote identity:
//
//	pool, err := cache.NewPool(cache.Config{Root: "/var/cache/r10k/git"}, nil, logger)
//	if err != nil {
//		panic(err)
//	}
//
//	c, err := pool.Get("https://github.com/org/control-repo.git")
//	if err != nil {
//		panic(err)
//	}
//	if err := c.Sync(ctx); err != nil {
//		panic(err)
//	}
//
// Sync only contacts the remote once per generation, call Pool.Invalidate
// (or Cache.Invalidate) to start a new one.
package cache
