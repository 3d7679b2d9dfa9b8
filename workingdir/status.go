package workingdir

import (
	"context"
	"os"
	"path/filepath"

	"github.com/camptocamp/r10k/command"
)

type Status string

const (
	// StatusAbsent path doesn't exist
	StatusAbsent Status = "absent"
	// StatusMismatched path exists but it's not a clone or its cache remote
	// doesn't point at the cache
	StatusMismatched Status = "mismatched"
	// StatusOutdated clone is not checked out at the commit of the ref
	StatusOutdated Status = "outdated"
	// StatusInSync clone is checked out at the commit of the ref
	StatusInSync Status = "insync"
)

// Status compares the working dir at path with the commit ref resolves to in
// the cache. The cache is not synced and nothing is modified. Error is only
// returned if ref can't be resolved, whatever the state of path is.
func (w *WorkingDir) Status(ctx context.Context, path, ref string) (Status, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	commit, err := w.ResolveCommit(ctx, ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return StatusAbsent, nil
	}

	if !w.ClonedAt(path) {
		return StatusMismatched, nil
	}

	// git config --get remote.cache.url
	url, err := w.git.Run(ctx, command.Options{Path: path}, "config", "--get", "remote."+cacheRemote+".url")
	if err != nil || url != w.cache.Path() {
		w.log.Debug("cache remote of working dir doesn't match", "path", path, "url", url, "cache", w.cache.Path())
		return StatusMismatched, nil
	}

	head, err := w.Head(ctx, path)
	if err != nil || head != commit {
		return StatusOutdated, nil
	}

	return StatusInSync, nil
}
