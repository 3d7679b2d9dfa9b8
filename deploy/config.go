package deploy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/camptocamp/r10k/cache"
	"github.com/camptocamp/r10k/internal/utils"
)

const (
	DefaultInterval    = time.Minute
	DefaultSyncTimeout = 5 * time.Minute
	DefaultRef         = "HEAD"

	minAllowedInterval = time.Second
)

// Config is the configuration of a Deployer
type Config struct {
	// default config for all the deployments
	Defaults DefaultConfig `yaml:"defaults"`
	// List of working dirs to keep in sync
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// DefaultConfig is the config shared by all deployments
type DefaultConfig struct {
	// CacheRoot is the absolute path to the dir where the cache of every
	// remote is created
	CacheRoot string `yaml:"cache_root"`

	// Interval is time duration for how long to wait between syncs in loop
	Interval time.Duration `yaml:"interval"`

	// SyncTimeout is the time allowed for a single deployment sync
	// including the cache sync
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// GitGC garbage collection run on caches after fetch. valid values are
	// 'auto', 'always', 'aggressive' or 'off'
	GitGC string `yaml:"git_gc"`

	// PurgeRoot is the absolute path to the dir holding the working dirs.
	// relative deployment paths are relative to this dir and unmanaged
	// working dirs found in it can be purged
	PurgeRoot string `yaml:"purge_root"`
}

// DeploymentConfig is the config of a single working dir
type DeploymentConfig struct {
	// git URL of the remote repository
	Remote string `yaml:"remote"`
	// Path of the working dir, relative to purge_root if set
	Path string `yaml:"path"`
	// Ref to check out, branch, tag or commit. default HEAD of the remote
	Ref string `yaml:"ref"`
}

// ApplyDefaults sets default values of the unset fields
func (c *Config) ApplyDefaults() {
	if c.Defaults.CacheRoot == "" {
		c.Defaults.CacheRoot = cache.DefaultRoot()
	}
	if c.Defaults.Interval == 0 {
		c.Defaults.Interval = DefaultInterval
	}
	if c.Defaults.SyncTimeout == 0 {
		c.Defaults.SyncTimeout = DefaultSyncTimeout
	}
	if c.Defaults.GitGC == "" {
		c.Defaults.GitGC = "off"
	}

	for i := range c.Deployments {
		c.Deployments[i].Remote = strings.TrimSpace(c.Deployments[i].Remote)
		if c.Deployments[i].Ref == "" {
			c.Deployments[i].Ref = DefaultRef
		}
	}
}

// Validate verifies config values. All errors are returned.
func (c *Config) Validate() error {
	var errs []error

	cacheConf := c.CacheConfig()
	if err := cacheConf.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Defaults.Interval < minAllowedInterval {
		errs = append(errs, fmt.Errorf("provided interval between syncs is too short (%s), must be > %s", c.Defaults.Interval, minAllowedInterval))
	}
	if c.Defaults.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync timeout must be positive"))
	}
	if c.Defaults.PurgeRoot != "" && !filepath.IsAbs(c.Defaults.PurgeRoot) {
		errs = append(errs, fmt.Errorf("purge root '%s' must be absolute", c.Defaults.PurgeRoot))
	}

	paths := make(map[string]string)
	for i, d := range c.Deployments {
		if d.Remote == "" {
			errs = append(errs, fmt.Errorf("deployments[%d]: remote is required", i))
		}
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("deployments[%d]: path is required", i))
			continue
		}
		if c.Defaults.PurgeRoot == "" && !filepath.IsAbs(d.Path) {
			errs = append(errs, fmt.Errorf("deployments[%d]: path '%s' must be absolute if purge_root is not set", i, d.Path))
			continue
		}
		if strings.HasPrefix(d.Ref, "-") {
			errs = append(errs, fmt.Errorf("deployments[%d]: invalid ref '%s'", i, d.Ref))
		}

		abs := c.AbsPath(d)
		if abs == c.Defaults.PurgeRoot {
			errs = append(errs, fmt.Errorf("deployments[%d]: path '%s' cannot be the purge root", i, d.Path))
		}
		if other, ok := paths[abs]; ok {
			errs = append(errs, fmt.Errorf("deployments[%d]: path '%s' is already used by remote %s", i, abs, other))
			continue
		}
		paths[abs] = d.Remote
	}

	return errors.Join(errs...)
}

// AbsPath returns the absolute path of the working dir of the deployment
func (c *Config) AbsPath(d DeploymentConfig) string {
	return utils.AbsPath(c.Defaults.PurgeRoot, d.Path)
}

// CacheConfig returns the config of the caches shared by the deployments
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Root:  c.Defaults.CacheRoot,
		GitGC: c.Defaults.GitGC,
	}
}
