package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/camptocamp/r10k/command"
	"github.com/camptocamp/r10k/deploy"
	"github.com/camptocamp/r10k/internal/utils"
)

// purgeUnmanaged deletes working dirs from the purge root which are no
// longer referenced in config. Only dirs created by a deployment (clones
// with a 'cache' remote) are removed, anything else found in the purge
// root is left alone.
func purgeUnmanaged(ctx context.Context, d *deploy.Deployer) []string {
	conf := d.Config()
	if conf.Defaults.PurgeRoot == "" {
		return nil
	}

	var managed []string
	for _, t := range d.Targets() {
		managed = append(managed, t.Path)
	}

	return purgeDir(ctx, gitRunner(), conf.Defaults.PurgeRoot, managed)
}

// purgeDir removes working dirs directly under root which are not in managed
// paths and returns the removed paths
func purgeDir(ctx context.Context, git command.Runner, root string, managed []string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Error("unable to read purge root dir", "path", root, "err", err)
		return nil
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		fullPath := filepath.Join(root, entry.Name())

		if slices.Contains(managed, fullPath) {
			continue
		}

		// dir holding nested managed working dirs
		if slices.ContainsFunc(managed, func(p string) bool {
			return strings.HasPrefix(p, fullPath+string(os.PathSeparator))
		}) {
			continue
		}

		if !isDeployedWorkingDir(ctx, git, fullPath) {
			logger.Debug("skipping unmanaged dir which is not a working dir", "path", fullPath)
			continue
		}

		logger.Info("removing unmanaged working dir...", "path", fullPath)
		if err := os.RemoveAll(fullPath); err != nil {
			logger.Error("unable to remove unmanaged working dir", "path", fullPath, "err", err)
			continue
		}
		removed = append(removed, fullPath)
	}

	return removed
}

// isDeployedWorkingDir returns true if path is the root of a clone with
// the cache remote
func isDeployedWorkingDir(ctx context.Context, git command.Runner, path string) bool {
	if !utils.IsDir(filepath.Join(path, ".git")) {
		return false
	}

	// err is expected here
	url, _ := git.Run(ctx, command.Options{Path: path}, "config", "--get", "remote.cache.url")
	return url != ""
}
