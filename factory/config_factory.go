package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/limits"
	"github.com/opd-ai/filedrop/real"
	"github.com/opd-ai/filedrop/testing"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinMaxInFlight is the minimum allowed in-flight chunk bound.
	MinMaxInFlight = 1
	// MaxMaxInFlight is the maximum allowed in-flight chunk bound.
	MaxMaxInFlight = 64
	// MinConnectTimeout is the minimum allowed connect timeout in milliseconds.
	MinConnectTimeout = 100
	// MaxConnectTimeout is the maximum allowed connect timeout in milliseconds (10 minutes).
	MaxConnectTimeout = 600000
	// MinRetryAttempts is the minimum allowed retry attempts.
	MinRetryAttempts = 0
	// MaxRetryAttempts is the maximum allowed retry attempts.
	MaxRetryAttempts = 20
	// MinPort is the lowest accepted TCP port (0 lets the OS choose).
	MinPort = 0
	// MaxPort is the highest accepted TCP port.
	MaxPort = 65535
)

// Default values for a TransferConfig.
const (
	DefaultMaxInFlight         = 3
	DefaultConnectTimeout      = 10 * time.Second
	DefaultReconnectAttempts   = 3
	DefaultChunkRetryAttempts  = 3
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultDrainTimeout        = 3 * time.Second
	DefaultPort                = 12345
	DefaultBindHost            = "0.0.0.0"
	DefaultOutputDir           = "received"
	DefaultSessionIdleTimeout  = 5 * time.Minute
)

// ConfigFactory builds transfer configuration and file stores.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type ConfigFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransferConfig
}

// NewConfigFactory creates a new factory with default configuration and
// FILEDROP_* environment overrides applied.
func NewConfigFactory() *ConfigFactory {
	defaultConfig := DefaultConfig()
	applyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &ConfigFactory{
		defaultConfig: defaultConfig,
	}
}

// DefaultConfig returns a TransferConfig populated with defaults.
func DefaultConfig() *interfaces.TransferConfig {
	return &interfaces.TransferConfig{
		UseSimulation:       false,
		ChunkSize:           limits.DefaultChunkSize,
		MaxInFlight:         DefaultMaxInFlight,
		ConnectTimeout:      DefaultConnectTimeout,
		ReconnectAttempts:   DefaultReconnectAttempts,
		ChunkRetryAttempts:  DefaultChunkRetryAttempts,
		HealthCheckInterval: DefaultHealthCheckInterval,
		DrainTimeout:        DefaultDrainTimeout,
		Port:                DefaultPort,
		BindHost:            DefaultBindHost,
		OutputDir:           DefaultOutputDir,
		SessionIdleTimeout:  DefaultSessionIdleTimeout,
	}
}

// applyEnvironmentOverrides updates configuration from FILEDROP_* environment variables.
// Unparseable or out-of-bounds values are logged and ignored.
func applyEnvironmentOverrides(config *interfaces.TransferConfig) {
	parseBoolSetting("FILEDROP_USE_SIMULATION", &config.UseSimulation)
	parseIntSetting("FILEDROP_CHUNK_SIZE", limits.MinChunkSize, limits.MaxChunkSize, &config.ChunkSize)
	parseIntSetting("FILEDROP_MAX_IN_FLIGHT", MinMaxInFlight, MaxMaxInFlight, &config.MaxInFlight)
	parseIntSetting("FILEDROP_RECONNECT_ATTEMPTS", MinRetryAttempts, MaxRetryAttempts, &config.ReconnectAttempts)
	parseIntSetting("FILEDROP_RETRY_ATTEMPTS", MinRetryAttempts, MaxRetryAttempts, &config.ChunkRetryAttempts)
	parseIntSetting("FILEDROP_PORT", MinPort, MaxPort, &config.Port)
	parseMillisSetting("FILEDROP_CONNECT_TIMEOUT", MinConnectTimeout, MaxConnectTimeout, &config.ConnectTimeout)

	if host := os.Getenv("FILEDROP_BIND_HOST"); host != "" {
		config.BindHost = host
	}
	if dir := os.Getenv("FILEDROP_OUTPUT_DIR"); dir != "" {
		config.OutputDir = dir
	}
}

// parseBoolSetting overwrites *dst with the boolean value of env var name when it parses.
func parseBoolSetting(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = v
}

// parseIntSetting overwrites *dst with the integer value of env var name when
// it parses and lies within [min, max].
func parseIntSetting(name string, min, max int, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if v < min || v > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     name,
			"value":       v,
			"min":         min,
			"max":         max,
			"using_value": *dst,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = v
}

// parseMillisSetting is parseIntSetting for durations expressed in milliseconds.
func parseMillisSetting(name string, min, max int, dst *time.Duration) {
	ms := int(*dst / time.Millisecond)
	parseIntSetting(name, min, max, &ms)
	*dst = time.Duration(ms) * time.Millisecond
}

// logConfigurationInfo logs the final configuration settings for debugging purposes.
func logConfigurationInfo(config *interfaces.TransferConfig) {
	logrus.WithFields(logrus.Fields{
		"function":        "NewConfigFactory",
		"use_simulation":  config.UseSimulation,
		"chunk_size":      config.ChunkSize,
		"max_in_flight":   config.MaxInFlight,
		"connect_timeout": config.ConnectTimeout,
		"retry_attempts":  config.ChunkRetryAttempts,
		"port":            config.Port,
		"output_dir":      config.OutputDir,
	}).Info("Created config factory with configuration")
}

// Config returns a copy of the current default configuration.
func (f *ConfigFactory) Config() interfaces.TransferConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return *f.defaultConfig
}

// UpdateConfig replaces the default configuration after validating it.
func (f *ConfigFactory) UpdateConfig(config *interfaces.TransferConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := ValidateConfig(config); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *config
	f.defaultConfig = &copied

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"use_simulation": config.UseSimulation,
		"chunk_size":     config.ChunkSize,
	}).Info("Updated default transfer configuration")

	return nil
}

// ValidateConfig checks every bounded field of config.
func ValidateConfig(config *interfaces.TransferConfig) error {
	if err := limits.ValidateChunkSize(config.ChunkSize); err != nil {
		return err
	}
	if config.MaxInFlight < MinMaxInFlight || config.MaxInFlight > MaxMaxInFlight {
		return fmt.Errorf("max in flight %d not in [%d, %d]", config.MaxInFlight, MinMaxInFlight, MaxMaxInFlight)
	}
	if config.ReconnectAttempts < MinRetryAttempts || config.ReconnectAttempts > MaxRetryAttempts {
		return fmt.Errorf("reconnect attempts %d not in [%d, %d]", config.ReconnectAttempts, MinRetryAttempts, MaxRetryAttempts)
	}
	if config.ChunkRetryAttempts < MinRetryAttempts || config.ChunkRetryAttempts > MaxRetryAttempts {
		return fmt.Errorf("chunk retry attempts %d not in [%d, %d]", config.ChunkRetryAttempts, MinRetryAttempts, MaxRetryAttempts)
	}
	if config.Port < MinPort || config.Port > MaxPort {
		return fmt.Errorf("port %d not in [%d, %d]", config.Port, MinPort, MaxPort)
	}
	if config.ConnectTimeout < MinConnectTimeout*time.Millisecond {
		return fmt.Errorf("connect timeout %v below %dms", config.ConnectTimeout, MinConnectTimeout)
	}
	return nil
}

// CreateFileStore creates a file store based on the default configuration.
func (f *ConfigFactory) CreateFileStore() interfaces.FileStore {
	f.mu.RLock()
	useSim := f.defaultConfig.UseSimulation
	f.mu.RUnlock()
	return CreateFileStore(useSim)
}

// CreateFileStore returns the simulated store when useSimulation is set and
// the OS-backed store otherwise.
func CreateFileStore(useSimulation bool) interfaces.FileStore {
	if useSimulation {
		logrus.WithFields(logrus.Fields{
			"function": "CreateFileStore",
			"type":     "simulation",
		}).Info("Creating simulated file store")
		return testing.NewSimulatedFileStore()
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateFileStore",
		"type":     "real",
	}).Info("Creating OS file store")
	return real.NewFileStore()
}
