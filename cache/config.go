package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type gcMode string

const (
	gcAuto       = "auto"
	gcAlways     = "always"
	gcAggressive = "aggressive"
	gcOff        = "off"
)

// Config is the configuration shared by all the caches of a Pool.
type Config struct {
	// Root is the absolute path of the dir where every cache (bare mirror)
	// is created in its own sub dir.
	Root string

	// GitGC garbage collection run on the cache after fetch. valid values are
	// 'auto', 'always', 'aggressive' or 'off' (default).
	// working dirs borrow objects from the cache, pruning unreachable objects
	// can break working dirs still checked out on a force-pushed commit.
	GitGC string
}

// DefaultRoot returns the cache root used when none is configured
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "r10k", "git")
}

// ApplyDefaults sets default values of the unset fields
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	if c.GitGC == "" {
		c.GitGC = gcOff
	}
}

// Validate verifies config values
func (c *Config) Validate() error {
	var errs []error

	if !filepath.IsAbs(c.Root) {
		errs = append(errs, fmt.Errorf("cache root '%s' must be absolute", c.Root))
	}

	switch c.GitGC {
	case gcAuto, gcAlways, gcAggressive, gcOff:
	default:
		errs = append(errs, fmt.Errorf("wrong gc value provided, must be one of %s, %s, %s, %s",
			gcAuto, gcAlways, gcAggressive, gcOff))
	}

	return errors.Join(errs...)
}
