//go:build deadlock

package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// git clone --mirror of a big remote can legitimately hold the cache
	// lock for a long time
	deadlock.Opts.DeadlockTimeout = 10 * time.Minute
}

type Mutex struct {
	deadlock.Mutex
}

type RWMutex struct {
	deadlock.RWMutex
}
