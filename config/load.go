package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/pathomics/wsiflow/errors"
)

// Load reads configuration from defaults, an optional config file, and
// environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration, optionally pinned to a specific file.
// An empty path searches the working directory for wsiflow.toml/wsiflow.yaml.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", found)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// SetDefaults registers default values on a viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wsiflow")
	v.SetDefault("app.api_prefix", DefaultAPIPrefix)
	v.SetDefault("app.json_logs", false)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost"})

	v.SetDefault("scheduler.max_workers", DefaultMaxWorkers)
	v.SetDefault("scheduler.max_active_users", DefaultMaxActiveUsers)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.upload_dir", "./data/uploads")
	v.SetDefault("storage.result_dir", "./data/results")

	v.SetDefault("simulator.tile_size", 1024)
	v.SetDefault("simulator.tile_overlap", 128)
	v.SetDefault("simulator.batch_size", 4)
	v.SetDefault("simulator.step_millis", 500)
}

// bindEnv wires environment variables: WSIFLOW_-prefixed names for any
// key, plus the bare names recognized by deployment convention.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("WSIFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env names kept for operator compatibility
	v.BindEnv("scheduler.max_workers", "MAX_WORKERS")
	v.BindEnv("scheduler.max_active_users", "MAX_ACTIVE_USERS")
	v.BindEnv("app.name", "APP_NAME")
	v.BindEnv("app.api_prefix", "API_PREFIX")
}

// findConfigFile searches the working directory for a config file
func findConfigFile() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, name := range []string{"wsiflow.toml", "wsiflow.yaml", "wsiflow.yml"} {
		path := filepath.Join(wd, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
