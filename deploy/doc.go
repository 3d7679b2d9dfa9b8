// Package deploy keeps a set of working dirs in sync with refs of their
// remotes, in the way r10k deploys puppet environments.
//
// Every deployment names a remote, a path and a ref. Working dirs of the
// same remote share one cache so a remote is fetched once per sync run no
// matter how many working dirs reference it.
//
//	conf := deploy.Config{
//		Defaults: deploy.DefaultConfig{
//			CacheRoot: "/var/cache/r10k/git",
//			PurgeRoot: "/etc/puppetlabs/code/environments",
//		},
//		Deployments: []deploy.DeploymentConfig{
//			{Remote: "https://github.com/org/control.git", Path: "production", Ref: "production"},
//			{Remote: "https://github.com/org/control.git", Path: "staging", Ref: "staging"},
//		},
//	}
//
//	d, err := deploy.New(conf, nil, logger)
//	if err != nil {
//		panic(err)
//	}
//
//	// one-shot
//	if err := d.SyncAll(ctx); err != nil {
//		panic(err)
//	}
//
//	// or periodically
//	go d.StartLoop(ctx)
package deploy
