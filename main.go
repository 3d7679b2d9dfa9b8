package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/camptocamp/r10k/cache"
	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/deploy"
	"github.com/camptocamp/r10k/workingdir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

const metricsNamespace = "r10k"

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level (trace, debug, info, warn or error)",
		},
		&cli.StringFlag{
			Name:    "git-exec",
			Sources: cli.EnvVars("R10K_GIT_EXEC"),
			Usage:   "Path to the git executable, looked up in PATH if not set",
		},
	}

	configFlag = &cli.StringFlag{
		Name:    "config",
		Sources: cli.EnvVars("R10K_CONFIG"),
		Value:   "/etc/r10k/config.yaml",
		Usage:   "Absolute path to the config file.",
	}

	cacheFlags = []cli.Flag{
		&cli.StringFlag{
			Name:     "remote",
			Usage:    "git URL of the remote repository",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "cache-root",
			Sources: cli.EnvVars("R10K_CACHE_ROOT"),
			Usage:   "Absolute path of the dir holding caches of remotes (default: $TMPDIR/r10k/git)",
		},
		&cli.StringFlag{
			Name:  "git-gc",
			Value: "off",
			Usage: "git gc run on the cache after fetch (off, auto, always or aggressive)",
		},
	}

	gitExec string
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

// setup applies global flags
func setup(c *cli.Command) {
	// set log level according to argument
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}
	gitExec = c.String("git-exec")
}

// gitRunner runs git with the environment of the process so that
// credentials helpers and ssh config of the user are used
func gitRunner() command.Runner {
	return command.NewGit(gitExec, os.Environ(), logger.With("logger", "git"))
}

// syncWorkingDir syncs a single working dir. cache and working dir share
// the given runner.
func syncWorkingDir(ctx context.Context, git command.Runner, conf cache.Config, remote, path, ref string, updateCache bool) error {
	pool, err := cache.NewPool(conf, git, logger)
	if err != nil {
		return err
	}

	wd, err := workingdir.New(remote, pool, git, logger)
	if err != nil {
		return err
	}

	return wd.Sync(ctx, path, ref, workingdir.UpdateCache(updateCache))
}

func newDeployer(c *cli.Command) (*deploy.Deployer, error) {
	conf, err := parseConfigFile(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file err:%w", err)
	}
	return deploy.New(*conf, gitRunner(), logger.With("logger", "deploy"))
}

func main() {
	cmd := &cli.Command{
		Name:  "r10k-git",
		Usage: "r10k-git keeps working dirs at refs of remote repositories using a shared cache per remote.",
		Flags: flags,
		Commands: []*cli.Command{
			syncCommand,
			deployCommand,
			serveCommand,
			statusCommand,
			refsCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

var syncCommand = &cli.Command{
	Name:  "sync",
	Usage: "sync a single working dir to a ref of the remote",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "path",
			Usage:    "path of the working dir",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "ref",
			Value: deploy.DefaultRef,
			Usage: "branch, tag or commit to check out",
		},
		&cli.BoolFlag{
			Name:  "no-cache-update",
			Usage: "use cache as is without fetching the remote",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: deploy.DefaultSyncTimeout,
			Usage: "time allowed for the sync",
		},
	}, cacheFlags...),
	Action: func(ctx context.Context, c *cli.Command) error {
		setup(c)

		sCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
		defer cancel()

		return syncWorkingDir(sCtx, gitRunner(),
			cache.Config{Root: c.String("cache-root"), GitGC: c.String("git-gc")},
			c.String("remote"), c.String("path"), c.String("ref"), !c.Bool("no-cache-update"))
	},
}

var deployCommand = &cli.Command{
	Name:  "deploy",
	Usage: "sync every working dir of the config once",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "purge",
			Usage: "remove working dirs under purge_root which are not in config",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		setup(c)

		d, err := newDeployer(c)
		if err != nil {
			return err
		}

		syncErr := d.SyncAll(ctx)

		if c.Bool("purge") {
			purgeUnmanaged(ctx, d)
		}

		return syncErr
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "periodically sync every working dir of the config",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "purge",
			Usage: "remove working dirs under purge_root which are not in config",
		},
		&cli.BoolFlag{
			Name:  "watch-config",
			Value: true,
			Usage: "reload config file when it changes",
		},
		&cli.StringFlag{
			Name:  "http-bind-address",
			Value: ":9001",
			Usage: "The address the web server binds to",
		},
		&cli.StringFlag{
			Name:    "github-webhook-secret",
			Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
			Usage:   "The github webhook secret used to validate payload, webhook is disabled if not set",
		},
		&cli.StringFlag{
			Name:  "github-webhook-path",
			Value: "/github-webhook",
			Usage: "The path on which webserver will receive github webhook events",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		setup(c)

		d, err := newDeployer(c)
		if err != nil {
			return err
		}

		prometheus.MustRegister(configSuccess, configSuccessTime)
		cache.EnableMetrics(metricsNamespace, prometheus.DefaultRegisterer)
		deploy.EnableMetrics(metricsNamespace, prometheus.DefaultRegisterer)

		purge := c.Bool("purge")
		if purge {
			purgeUnmanaged(ctx, d)
		}

		onConfigChange := func(newConfig *deploy.Config) bool {
			return ensureConfig(ctx, d, newConfig, purge)
		}
		go WatchConfig(ctx, c.String("config"), c.Bool("watch-config"), 10*time.Second, onConfigChange)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if secret := c.String("github-webhook-secret"); secret != "" {
			mux.Handle(c.String("github-webhook-path"), &GithubWebhookHandler{
				deployer: d,
				secret:   secret,
				log:      logger.With("logger", "github-webhook"),
			})
		}

		server := &http.Server{
			Addr:    c.String("http-bind-address"),
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("failed to start web server", "err", err)
			}
		}()

		go d.StartLoop(ctx)

		//listenForShutdown
		<-ctx.Done()
		logger.Info("Shutting down")

		sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sCtx)
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print the state of every working dir of the config",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "compare with caches as is without fetching remotes",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		setup(c)

		d, err := newDeployer(c)
		if err != nil {
			return err
		}

		if !c.Bool("offline") {
			if err := d.SyncCaches(ctx); err != nil {
				logger.Error("unable to sync caches", "err", err)
			}
		}

		return printStatuses(os.Stdout, d.Statuses(ctx))
	},
}

var refsCommand = &cli.Command{
	Name:  "refs",
	Usage: "list branches and tags of the remote",
	Flags: cacheFlags,
	Action: func(ctx context.Context, c *cli.Command) error {
		setup(c)

		pool, err := cache.NewPool(cache.Config{Root: c.String("cache-root"), GitGC: c.String("git-gc")}, gitRunner(), logger)
		if err != nil {
			return err
		}
		rc, err := pool.Get(c.String("remote"))
		if err != nil {
			return err
		}
		if err := rc.Sync(ctx); err != nil {
			return err
		}

		branches, err := rc.Branches(ctx)
		if err != nil {
			return err
		}
		tags, err := rc.Tags(ctx)
		if err != nil {
			return err
		}

		for _, b := range branches {
			fmt.Fprintf(os.Stdout, "branch\t%s\n", b)
		}
		for _, t := range tags {
			fmt.Fprintf(os.Stdout, "tag\t%s\n", t)
		}
		return nil
	},
}

func printStatuses(out io.Writer, statuses []deploy.TargetStatus) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tREMOTE\tREF\tSTATUS\tCOMMIT")

	var failed bool
	for _, s := range statuses {
		status := string(s.Status)
		if s.Err != nil {
			status = "error: " + s.Err.Error()
			failed = true
		}
		commit := s.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Path, s.Remote, s.Ref, status, commit)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed {
		return fmt.Errorf("unable to get status of some working dirs")
	}
	return nil
}
