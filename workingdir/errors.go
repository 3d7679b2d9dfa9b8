package workingdir

import "fmt"

// ResolveError is returned when a ref can't be resolved to a commit in the
// cache of the remote. Err is the failed command.
type ResolveError struct {
	Ref       string
	CachePath string
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("unable to resolve ref '%s' in cache %s err:%v", e.Ref, e.CachePath, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// ResetError is returned when the working dir can't be reset to the
// resolved commit, most likely because the commit is missing from the
// object store of the working dir. Err is the failed command.
type ResetError struct {
	Commit string
	Path   string
	Err    error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("unable to reset working dir %s to commit %s err:%v", e.Path, e.Commit, e.Err)
}

func (e *ResetError) Unwrap() error {
	return e.Err
}
