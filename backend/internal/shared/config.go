// ============================================================================
// backend/internal/shared/config.go
// Shared configuration management and environment variable helpers
// ============================================================================

package shared

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Configuration Structs
// ============================================================================

// ServiceConfig holds the configuration for the gateway and the CLI
type ServiceConfig struct {
	ServiceName string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error

	// MongoDB Configuration (credentials are resolved separately by the remote package)
	MongoDB MongoConfig

	// Local cache configuration
	Cache CacheConfig

	// Reconciliation tuning
	Reconcile ReconcileConfig

	// HTTP Configuration
	HTTP HTTPConfig

	// gRPC health endpoint
	GRPC GRPCConfig
}

// CacheConfig holds the bbolt cache configuration
type CacheConfig struct {
	Path        string
	OpenTimeout time.Duration
	MaxEntries  int // 0 disables the per-collection quota
}

// ReconcileConfig holds batching and paging limits for the reconciliation engine
type ReconcileConfig struct {
	BatchSize      int
	BatchPause     time.Duration
	MaxRetries     int
	DeletePageSize int
	PagedThreshold int64
	MaxErrors      int
	ColumnAliases  map[string][]string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORS         CORSConfig
}

// GRPCConfig holds the gRPC health server configuration
type GRPCConfig struct {
	HealthPort string
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int // in seconds
}

// ============================================================================
// Limits
// ============================================================================

const (
	// MaxBatchSize is the platform ceiling for a single committed batch
	MaxBatchSize = 500

	// DefaultDeletePageSize and MaxDeletePageSize bound delete-all pages
	DefaultDeletePageSize = 1000
	MaxDeletePageSize     = 2000

	// DefaultPagedThreshold switches delete-all to paged mode
	DefaultPagedThreshold = 10000
)

// ============================================================================
// Configuration Loading Functions
// ============================================================================

// LoadEnv loads environment variables from .env file
func LoadEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil {
		log.Printf("Warning: %s file not found, using system environment variables", envFile)
		return err
	}

	log.Printf("Successfully loaded environment from %s", envFile)
	return nil
}

// LoadServiceConfig loads service configuration from environment and the optional config file
func LoadServiceConfig(serviceName string) (*ServiceConfig, error) {
	config := &ServiceConfig{
		ServiceName: GetEnv("SERVICE_NAME", serviceName),
		Environment: GetEnv("ENVIRONMENT", "development"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
	}

	config.MongoDB = MongoConfig{
		Database:       GetEnv("MONGO_DB_NAME", "gradesync"),
		ConnectTimeout: GetDurationEnv("MONGO_CONNECT_TIMEOUT", 20*time.Second),
		MaxPoolSize:    uint64(GetIntEnv("MONGO_MAX_POOL_SIZE", 50)),
		MinPoolSize:    uint64(GetIntEnv("MONGO_MIN_POOL_SIZE", 5)),
		MaxIdleTime:    GetDurationEnv("MONGO_MAX_IDLE_TIME", 30*time.Second),
	}

	config.Cache = CacheConfig{
		Path:        GetEnv("CACHE_PATH", "data/cache.db"),
		OpenTimeout: GetDurationEnv("CACHE_OPEN_TIMEOUT", 2*time.Second),
		MaxEntries:  GetIntEnv("CACHE_MAX_ENTRIES", 0),
	}

	config.Reconcile = ReconcileConfig{
		BatchSize:      GetIntEnv("RECONCILE_BATCH_SIZE", MaxBatchSize),
		BatchPause:     GetDurationEnv("RECONCILE_BATCH_PAUSE", 50*time.Millisecond),
		MaxRetries:     GetIntEnv("RECONCILE_MAX_RETRIES", 3),
		DeletePageSize: GetIntEnv("RECONCILE_DELETE_PAGE_SIZE", DefaultDeletePageSize),
		PagedThreshold: int64(GetIntEnv("RECONCILE_PAGED_THRESHOLD", DefaultPagedThreshold)),
		MaxErrors:      GetIntEnv("RECONCILE_MAX_ERRORS", 50),
	}

	config.HTTP = HTTPConfig{
		Port:         GetEnv("HTTP_PORT", "8080"),
		ReadTimeout:  GetDurationEnv("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: GetDurationEnv("HTTP_WRITE_TIMEOUT", 5*time.Minute),
		CORS: CORSConfig{
			AllowedOrigins:   GetStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   GetStringSliceEnv("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   GetStringSliceEnv("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Request-ID"}),
			AllowCredentials: GetBoolEnv("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           GetIntEnv("CORS_MAX_AGE", 300),
		},
	}

	config.GRPC = GRPCConfig{
		HealthPort: GetEnv("GRPC_HEALTH_PORT", "50060"),
	}

	if path := GetEnv("CONFIG_FILE", ""); path != "" {
		file, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		file.Apply(config)
	}

	return config, nil
}

// ============================================================================
// Environment Variable Helper Functions
// ============================================================================

// GetEnv retrieves an environment variable or returns a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv retrieves an integer environment variable or returns a default value
func GetIntEnv(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

// GetBoolEnv retrieves a boolean environment variable or returns a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s: %s, using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

// GetDurationEnv retrieves a duration environment variable or returns a default value
// Supports format like "30s", "5m", "1h"
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s: %s, using default: %v", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

// GetStringSliceEnv retrieves a comma-separated string list or returns a default value
func GetStringSliceEnv(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

// ============================================================================
// Configuration Validation
// ============================================================================

// ValidateServiceConfig validates service configuration
func ValidateServiceConfig(config *ServiceConfig) error {
	if config.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if config.MongoDB.Database == "" {
		return fmt.Errorf("MongoDB database name is required")
	}

	if config.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}

	if config.Reconcile.BatchSize < 1 || config.Reconcile.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", MaxBatchSize, config.Reconcile.BatchSize)
	}

	if config.Reconcile.DeletePageSize < 1 || config.Reconcile.DeletePageSize > MaxDeletePageSize {
		return fmt.Errorf("delete page size must be between 1 and %d, got %d", MaxDeletePageSize, config.Reconcile.DeletePageSize)
	}

	if config.Reconcile.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	return nil
}

// ============================================================================
// Configuration Display (for debugging)
// ============================================================================

// PrintConfig prints configuration (sanitized) for debugging
func PrintConfig(config *ServiceConfig) {
	log.Println("=== Service Configuration ===")
	log.Printf("Service Name: %s", config.ServiceName)
	log.Printf("Environment: %s", config.Environment)
	log.Printf("Log Level: %s", config.LogLevel)
	log.Println("=== MongoDB Configuration ===")
	log.Printf("Database: %s", config.MongoDB.Database)
	log.Printf("Max Pool Size: %d", config.MongoDB.MaxPoolSize)
	log.Printf("Min Pool Size: %d", config.MongoDB.MinPoolSize)
	log.Println("=== Cache Configuration ===")
	log.Printf("Path: %s", config.Cache.Path)
	log.Printf("Max Entries: %d", config.Cache.MaxEntries)
	log.Println("=== Reconcile Configuration ===")
	log.Printf("Batch Size: %d", config.Reconcile.BatchSize)
	log.Printf("Batch Pause: %v", config.Reconcile.BatchPause)
	log.Printf("Max Retries: %d", config.Reconcile.MaxRetries)
	log.Printf("Delete Page Size: %d", config.Reconcile.DeletePageSize)
	log.Printf("Paged Threshold: %d", config.Reconcile.PagedThreshold)
	log.Println("=== HTTP Configuration ===")
	log.Printf("HTTP Port: %s", config.HTTP.Port)
	log.Printf("gRPC Health Port: %s", config.GRPC.HealthPort)
	log.Printf("Allowed Origins: %v", config.HTTP.CORS.AllowedOrigins)
	log.Println("=============================")
}

// ============================================================================
// Configuration File Support (Optional)
// ============================================================================

// ConfigFile represents the optional YAML overlay
type ConfigFile struct {
	Reconcile ReconcileFileConfig `yaml:"reconcile"`
	Cache     CacheFileConfig     `yaml:"cache"`
	Columns   map[string][]string `yaml:"columns"`
}

// ReconcileFileConfig represents reconcile tuning in file
type ReconcileFileConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	BatchPause     string `yaml:"batch_pause"`
	MaxRetries     *int   `yaml:"max_retries"`
	DeletePageSize int    `yaml:"delete_page_size"`
	PagedThreshold int64  `yaml:"paged_threshold"`
	MaxErrors      int    `yaml:"max_errors"`
}

// CacheFileConfig represents cache config in file
type CacheFileConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// LoadConfigFile reads and parses a YAML config overlay
func LoadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &file, nil
}

// Apply overlays the keys that are set in the file onto config
func (f *ConfigFile) Apply(config *ServiceConfig) {
	if f.Reconcile.BatchSize > 0 {
		config.Reconcile.BatchSize = f.Reconcile.BatchSize
	}
	if f.Reconcile.BatchPause != "" {
		if d, err := time.ParseDuration(f.Reconcile.BatchPause); err == nil {
			config.Reconcile.BatchPause = d
		} else {
			log.Printf("Warning: Invalid batch_pause in config file: %s", f.Reconcile.BatchPause)
		}
	}
	if f.Reconcile.MaxRetries != nil {
		config.Reconcile.MaxRetries = *f.Reconcile.MaxRetries
	}
	if f.Reconcile.DeletePageSize > 0 {
		config.Reconcile.DeletePageSize = f.Reconcile.DeletePageSize
	}
	if f.Reconcile.PagedThreshold > 0 {
		config.Reconcile.PagedThreshold = f.Reconcile.PagedThreshold
	}
	if f.Reconcile.MaxErrors > 0 {
		config.Reconcile.MaxErrors = f.Reconcile.MaxErrors
	}
	if f.Cache.Path != "" {
		config.Cache.Path = f.Cache.Path
	}
	if f.Cache.MaxEntries > 0 {
		config.Cache.MaxEntries = f.Cache.MaxEntries
	}
	if len(f.Columns) > 0 {
		config.Reconcile.ColumnAliases = f.Columns
	}
}

// ============================================================================
// Environment-Specific Configuration
// ============================================================================

// IsDevelopment checks if running in development environment
func IsDevelopment(config *ServiceConfig) bool {
	return config.Environment == "development"
}

// GetLogLevel returns the configured log level
func GetLogLevel(config *ServiceConfig) string {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if validLevels[config.LogLevel] {
		return config.LogLevel
	}

	return "info" // Default
}
