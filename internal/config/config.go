// Package config loads cascade's runtime settings from a version-controlled
// cascade.yaml; secrets come from the environment only. The chain section of
// the same file belongs to the chain package, which reads it through the
// resolved Path.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Default values applied when cascade.yaml leaves a field unset.
const (
	DefaultRemote = "origin"
	DefaultLabel  = "forward-merge-conflict"
)

// TrackerConfig identifies the issue tracker conflicts are filed in.
type TrackerConfig struct {
	Owner string // repository owner (user or org)
	Repo  string // repository name
	Label string // label applied to every conflict issue
	Token string // API token, resolved from the environment
}

// Config is the resolved runtime configuration.
type Config struct {
	Path    string // resolved location of cascade.yaml
	Remote  string // git remote name
	Tracker TrackerConfig
}

// FindConfigPath walks up from the working directory looking for
// cascade.yaml, so cascade works from any subdirectory of the clone.
func FindConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		path := filepath.Join(dir, "cascade.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return "", fmt.Errorf("no cascade.yaml found in %s or any parent directory", cwd)
}

// Load reads configuration from the given file (or the nearest cascade.yaml
// when path is empty), applying CASCADE_* environment overrides on top.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = FindConfigPath()
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetEnvPrefix("CASCADE")
	v.AutomaticEnv()
	v.SetDefault("remote", DefaultRemote)
	v.SetDefault("tracker.label", DefaultLabel)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return &Config{
		Path:   path,
		Remote: v.GetString("remote"),
		Tracker: TrackerConfig{
			Owner: v.GetString("tracker.owner"),
			Repo:  v.GetString("tracker.repo"),
			Label: v.GetString("tracker.label"),
			Token: resolveToken(),
		},
	}, nil
}

// RequireTracker validates the fields needed to talk to the issue tracker.
// Read-only commands skip this.
func (c *Config) RequireTracker() error {
	if c.Tracker.Owner == "" || c.Tracker.Repo == "" {
		return fmt.Errorf("tracker.owner and tracker.repo must be set in cascade.yaml")
	}
	if c.Tracker.Token == "" {
		return fmt.Errorf("no tracker token: set CASCADE_GITHUB_TOKEN or GITHUB_TOKEN")
	}
	return nil
}

// resolveToken reads the tracker token from the environment. Never stored in
// cascade.yaml.
func resolveToken() string {
	if token := os.Getenv("CASCADE_GITHUB_TOKEN"); token != "" {
		return token
	}
	return os.Getenv("GITHUB_TOKEN")
}
