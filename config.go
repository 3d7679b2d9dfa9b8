package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/camptocamp/r10k/deploy"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "config_last_reload_successful",
		Help:      "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "config_last_reload_success_timestamp_seconds",
		Help:      "Timestamp of the last successful configuration reload.",
	})
)

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*deploy.Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*deploy.Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig replaces deployments of the deployer with the ones from new
// config. removed working dirs are purged if purge is set.
func ensureConfig(ctx context.Context, d *deploy.Deployer, newConfig *deploy.Config, purge bool) bool {
	if err := d.Reconfigure(*newConfig); err != nil {
		logger.Error("failed to apply new config", "err", err)
		return false
	}

	if purge {
		purgeUnmanaged(ctx, d)
	}
	return true
}

func parseConfigFile(path string) (*deploy.Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseConfig(yamlFile)
}

func parseConfig(yamlData []byte) (*deploy.Config, error) {
	if err := validateConfig(yamlData); err != nil {
		return nil, err
	}

	conf := &deploy.Config{}
	if err := yaml.Unmarshal(yamlData, conf); err != nil {
		return nil, err
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// defaults and deployments sections are mandatory
	if _, ok := raw["defaults"]; !ok {
		return fmt.Errorf("defaults config section is missing")
	}

	if _, ok := raw["deployments"]; !ok {
		return fmt.Errorf("deployments config section is missing")
	}

	// check config sections for unexpected keys
	allowedConfig := getAllowedKeys(deploy.Config{})
	if key := findUnexpectedKey(raw, allowedConfig); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	// empty defaults section is valid
	if raw["defaults"] != nil {
		defaultsMap, ok := raw["defaults"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("defaults section is not valid")
		}
		if key := findUnexpectedKey(defaultsMap, getAllowedKeys(deploy.DefaultConfig{})); key != "" {
			return fmt.Errorf("unexpected key: .defaults.%v", key)
		}
	}

	if raw["deployments"] == nil {
		return nil
	}
	deployments, ok := raw["deployments"].([]interface{})
	if !ok {
		return fmt.Errorf("deployments config section is not valid")
	}

	// check each deployment in "deployments" section
	allowedDeploymentKeys := getAllowedKeys(deploy.DeploymentConfig{})
	for i, depInterface := range deployments {
		depMap, ok := depInterface.(map[string]interface{})
		if !ok {
			return fmt.Errorf("deployments[%d] config section is not valid", i)
		}

		if key := findUnexpectedKey(depMap, allowedDeploymentKeys); key != "" {
			return fmt.Errorf("unexpected key: .deployments[%v].%v", depMap["path"], key)
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}
