// Package workingdir checks out a ref of a remote repository into a local
// working dir, borrowing objects from a shared cache of the remote.
//
// A working dir is created with `git clone --reference <cache>` and gets an
// extra remote named `cache` pointing at the cache. Subsequent syncs fetch
// from that remote instead of the network. The ref is always resolved in the
// cache and the working dir is hard reset to the resulting commit:
//
//	wd, err := workingdir.New("https://github.com/org/control-repo.git", pool, nil, logger)
//	if err != nil {
//		panic(err)
//	}
//
//	if err := wd.Sync(ctx, "/etc/puppetlabs/code/environments/production", "production"); err != nil {
//		var resolveErr *workingdir.ResolveError
//		if errors.As(err, &resolveErr) {
//			// unknown branch, tag or commit
//		}
//		panic(err)
//	}
//
// Concurrent syncs of the same path are not supported.
package workingdir
