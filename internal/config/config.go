// Package config provides configuration for the simulation service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int // REST API
	WSPort   int // Live updates

	// Storage
	DataDir     string
	DatabaseURL string

	// Simulation process
	SimCommand     []string
	MarkerPrefix   string
	StopGrace      time.Duration
	OutputGrace    time.Duration
	MaxUploadBytes int64
	MaxDatasetRows int
	KnownFeatures  []string

	// Telemetry
	LogCapacity     int
	LogView         int
	DefaultTotal    int
	ResourceClasses []domain.ResourceClass

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Redis relay (disabled when empty)
	RedisAddr    string
	RedisChannel string

	// Logging
	LogLevel  string
	LogFormat string

	// Span export: "" (off) or "log"
	TraceExporter string
}

// Load loads configuration from environment variables, after reading a
// .env file from the working directory if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 3001),
		WSPort:         getEnvInt("WS_PORT", 8765),
		DataDir:        getEnv("DATA_DIR", "data"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:runs.db?cache=shared&mode=rwc"),
		SimCommand:     strings.Fields(getEnv("SIM_COMMAND", "python3 simulation_runner.py")),
		MarkerPrefix:   getEnv("SIM_MARKER", "@@SIM "),
		StopGrace:      time.Duration(getEnvInt("STOP_GRACE_MS", 10000)) * time.Millisecond,
		OutputGrace:    time.Duration(getEnvInt("OUTPUT_GRACE_MS", 1000)) * time.Millisecond,
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10*1024*1024)),
		MaxDatasetRows: getEnvInt("MAX_DATASET_ROWS", 100000),
		KnownFeatures:  splitList(getEnv("KNOWN_FEATURES", "dynamic_corridor_bias,ga_diversity,ht_future_penalty,path_cache")),
		LogCapacity:    getEnvInt("LOG_CAPACITY", 1000),
		LogView:        getEnvInt("LOG_VIEW", 100),
		DefaultTotal:   getEnvInt("DEFAULT_TOTAL_UNITS", domain.DefaultTotalUnits),
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SendBuffer:     getEnvInt("WS_SEND_BUFFER", 256),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisChannel:   getEnv("REDIS_CHANNEL", "simulation.events"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
		TraceExporter:  strings.ToLower(getEnv("TRACE_EXPORTER", "")),
	}

	cfg.ResourceClasses = domain.DefaultResourceClasses()
	if path := getEnv("RESOURCE_CLASSES_FILE", ""); path != "" {
		classes, err := LoadResourceClasses(path)
		if err != nil {
			return nil, err
		}
		cfg.ResourceClasses = classes
	}

	if len(cfg.SimCommand) == 0 {
		return nil, fmt.Errorf("SIM_COMMAND must not be empty")
	}
	switch cfg.TraceExporter {
	case "", "log":
	default:
		return nil, fmt.Errorf("unknown TRACE_EXPORTER %q", cfg.TraceExporter)
	}
	return cfg, nil
}

// resourceFile is the on-disk shape of RESOURCE_CLASSES_FILE.
type resourceFile struct {
	ResourceClasses []domain.ResourceClass `yaml:"resource_classes"`
}

// LoadResourceClasses reads resource class definitions from a YAML file.
func LoadResourceClasses(path string) ([]domain.ResourceClass, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource classes: %w", err)
	}
	var file resourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse resource classes: %w", err)
	}
	if len(file.ResourceClasses) == 0 {
		return nil, fmt.Errorf("resource classes file %s defines no classes", path)
	}
	seen := make(map[string]bool, len(file.ResourceClasses))
	for _, rc := range file.ResourceClasses {
		if rc.Name == "" {
			return nil, fmt.Errorf("resource class without name in %s", path)
		}
		if rc.Capacity <= 0 {
			return nil, fmt.Errorf("resource class %s: capacity must be positive", rc.Name)
		}
		if seen[rc.Name] {
			return nil, fmt.Errorf("resource class %s defined twice", rc.Name)
		}
		seen[rc.Name] = true
	}
	return file.ResourceClasses, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
