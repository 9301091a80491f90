package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// ETL_RUNTIME_BATCH_SIZE=50.
const EnvPrefix = "ETL"

// Load reads a YAML or JSON configuration file, applies defaults and
// environment overrides, and loads the query metadata file when one is set.
// The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.QueriesFile != "" {
		qpath := cfg.QueriesFile
		if !filepath.IsAbs(qpath) && path != "" {
			qpath = filepath.Join(filepath.Dir(path), qpath)
		}
		queries, err := LoadQueries(qpath)
		if err != nil {
			return nil, err
		}
		cfg.Queries = append(cfg.Queries, queries...)
	}

	if cfg.Runtime.SQLRoot != "" && !filepath.IsAbs(cfg.Runtime.SQLRoot) && path != "" {
		cfg.Runtime.SQLRoot = filepath.Join(filepath.Dir(path), cfg.Runtime.SQLRoot)
	}
	return &cfg, nil
}

// LoadQueries reads a query metadata file of the form {"queries": [...]}.
func LoadQueries(path string) ([]QueryDefinition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read queries %s: %w", path, err)
	}
	var out []QueryDefinition
	if err := v.UnmarshalKey("queries", &out); err != nil {
		return nil, fmt.Errorf("config: decode queries %s: %w", path, err)
	}
	return out, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("target.database", DefaultTargetDatabase)
	v.SetDefault("runtime.batch_size", DefaultBatchSize)
	v.SetDefault("runtime.progress_interval", DefaultProgressInterval)
	v.SetDefault("runtime.max_retry_attempts", DefaultMaxRetryAttempts)
	v.SetDefault("runtime.retry_delay", DefaultRetryDelay)
	v.SetDefault("runtime.connection_timeout", DefaultConnectTimeout)
	v.SetDefault("runtime.command_timeout", DefaultCommandTimeout)
	v.SetDefault("runtime.sql_root", ".")
	return v
}
