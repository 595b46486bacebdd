// Package config loads wsiflow configuration from defaults, config files,
// and environment variables.
package config

// Config represents the core wsiflow configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// AppConfig configures surface-level application options
type AppConfig struct {
	Name      string `mapstructure:"name"`       // Display name for banners and /status
	APIPrefix string `mapstructure:"api_prefix"` // URL prefix for all HTTP routes (default: /api/v1)
	JSONLogs  bool   `mapstructure:"json_logs"`  // Structured JSON log output
}

// ServerConfig configures the HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig configures the scheduling core.
// MaxWorkers caps concurrent job execution globally; MaxActiveUsers caps
// concurrently admitted tenants. Both are fixed at process start.
type SchedulerConfig struct {
	MaxWorkers     int `mapstructure:"max_workers"`
	MaxActiveUsers int `mapstructure:"max_active_users"`
}

// StorageConfig configures filesystem paths handed to the executor.
// The scheduling core never touches these directly.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	UploadDir string `mapstructure:"upload_dir"`
	ResultDir string `mapstructure:"result_dir"`
}

// SimulatorConfig configures the simulated executor used when no real
// image-processing pipeline is attached.
type SimulatorConfig struct {
	TileSize    int `mapstructure:"tile_size"`
	TileOverlap int `mapstructure:"tile_overlap"`
	BatchSize   int `mapstructure:"batch_size"`
	StepMillis  int `mapstructure:"step_millis"` // Delay per simulated tile batch
}

// Default values
const (
	DefaultServerPort     = 8808
	DefaultAPIPrefix      = "/api/v1"
	DefaultMaxWorkers     = 5
	DefaultMaxActiveUsers = 3
)
