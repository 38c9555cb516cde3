package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// CHARTWORKER_TRANSPORT_MODE=websocket.
const EnvPrefix = "CHARTWORKER"

// Transport modes.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

type WorkerConfig struct {
	LogLevel        string          `mapstructure:"log_level"`
	ExtensionPaths  []string        `mapstructure:"extension_paths"`
	WatchExtensions bool            `mapstructure:"watch_extensions"`
	Transport       TransportConfig `mapstructure:"transport"`
	Script          ScriptConfig    `mapstructure:"script"`
	Wasm            WasmConfig      `mapstructure:"wasm"`
	Engine          EngineConfig    `mapstructure:"engine"`
}

// TransportConfig selects how the worker talks to its host.
type TransportConfig struct {
	// stdio or websocket.
	Mode    string `mapstructure:"mode"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
	// Websocket ping period (seconds). Zero disables pings.
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`
}

// ScriptConfig holds script sandbox limits.
type ScriptConfig struct {
	// Per evaluation or callback call (seconds).
	Timeout int `mapstructure:"timeout"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Module execution timeout (seconds).
	ExecutionTimeout int `mapstructure:"execution_timeout"`
}

// EngineConfig sizes the headless engine's legend layout.
type EngineConfig struct {
	LegendItemWidth  float64 `mapstructure:"legend_item_width"`
	LegendItemHeight float64 `mapstructure:"legend_item_height"`
}

// ScriptTimeout returns the script timeout as a duration.
func (c *WorkerConfig) ScriptTimeout() time.Duration {
	return time.Duration(c.Script.Timeout) * time.Second
}

// HeartbeatInterval returns the websocket ping period.
func (c *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Transport.HeartbeatInterval) * time.Second
}

// ExecutionTimeoutDuration returns the wasm call timeout.
func (c *WasmConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Second
}

// Validate checks values viper cannot type check.
func (c *WorkerConfig) Validate() error {
	switch c.Transport.Mode {
	case TransportStdio, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport mode %q (must be one of: stdio, websocket)", c.Transport.Mode)
	}
	if c.Transport.Mode == TransportWebSocket && c.Transport.Address == "" {
		return errors.New("transport.address is required for websocket mode")
	}
	if c.Script.Timeout < 0 || c.Wasm.ExecutionTimeout < 0 || c.Transport.HeartbeatInterval < 0 {
		return errors.New("timeouts and intervals must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("extension_paths", []string{"./extensions"})
	v.SetDefault("watch_extensions", false)

	v.SetDefault("transport.mode", TransportStdio)
	v.SetDefault("transport.address", "127.0.0.1:8787")
	v.SetDefault("transport.path", "/worker")
	v.SetDefault("transport.heartbeat_interval", 15)

	v.SetDefault("script.timeout", 5)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "./build/wasm-cache")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30)

	v.SetDefault("engine.legend_item_width", 60)
	v.SetDefault("engine.legend_item_height", 20)
}

// LoadWorkerConfig reads defaults, then the optional YAML file at
// configPath, then the environment. A .env file in the working
// directory is loaded first if present.
func LoadWorkerConfig(configPath string) (*WorkerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
