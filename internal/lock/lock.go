//go:build !deadlock

// Package lock provides the mutex types used across the module.
// Build with `-tags deadlock` to swap them for go-deadlock implementations
// which report lock order violations and locks held for too long.
package lock

import "sync"

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
