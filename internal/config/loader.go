// Package config loads tool configuration with the precedence
// runtime overrides > environment > config file > defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const envPrefix = "FARMBUILD"

// Config is the resolved tool configuration.
type Config struct {
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	// Workers caps how many build jobs run concurrently.
	Workers int `mapstructure:"workers"`

	// BuildBase is the root directory for per-job staging areas.
	BuildBase string `mapstructure:"build_base"`

	// RepoBase is the root directory of the local package repository.
	RepoBase string `mapstructure:"repo_base"`

	// PackageRepository selects the artifact import backend.
	PackageRepository string `mapstructure:"package_repository"`

	Toolkit struct {
		Repo   string `mapstructure:"repo"`
		Branch string `mapstructure:"branch"`
	} `mapstructure:"toolkit"`

	S3 struct {
		Bucket string `mapstructure:"bucket"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"s3"`
}

var (
	configMu  sync.Mutex
	appConfig *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("workers", 4)
	v.SetDefault("build_base", filepath.Join(os.TempDir(), "farmbuild"))
	v.SetDefault("repo_base", filepath.Join(os.TempDir(), "farmbuild-repo"))
	v.SetDefault("package_repository", "local")
	v.SetDefault("toolkit.repo", "https://github.com/ros-infrastructure/ros_buildfarm.git")
	v.SetDefault("toolkit.branch", "master")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
}

// Load resolves the configuration and caches it for GetConfig. Optional
// runtime overrides take precedence over environment and file values.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("farmbuild")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "farmbuild"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Set has the highest viper precedence, so runtime overrides win over
	// environment and file values.
	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
