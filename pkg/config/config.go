package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every configuration variable
const EnvPrefix = "CLOUDCRAVER_"

// Config holds all daemon configuration
type Config struct {
	Server        ServerConfig
	Discovery     DiscoveryConfig
	Validator     ValidatorConfig
	Sandbox       SandboxConfig
	Loader        LoaderConfig
	Registry      RegistryConfig
	Marketplace   MarketplaceConfig
	Orchestrator  OrchestratorConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DiscoveryConfig holds the plugin search roots
type DiscoveryConfig struct {
	ProjectDir string
	UserDir    string
	SystemDir  string
	ExtraPaths []string
}

// ValidatorConfig holds static analysis settings
type ValidatorConfig struct {
	Strict         bool
	MaxFileSize    int64
	AllowedImports []string
}

// SandboxConfig holds runtime restriction settings
type SandboxConfig struct {
	Enabled      bool
	MaxCPUTime   time.Duration
	MaxMemory    int64
	AddressSpace uint64
	MaxFileSize  int64
	TempRoot     string
	AllowedPaths []string
	Timeout      time.Duration
}

// LoaderConfig holds installation settings
type LoaderConfig struct {
	Isolation      bool
	TempDir        string
	MaxPackageSize int64
	InstallDir     string
	LuaCallTimeout time.Duration
}

// RegistryConfig holds the registry file and the optional event journal
type RegistryConfig struct {
	Path          string
	JournalDriver string
	JournalDSN    string
}

// S3RepositoryConfig is one bucket-backed repository
type S3RepositoryConfig struct {
	Bucket string
	Prefix string
}

// MarketplaceConfig holds repository and cache settings
type MarketplaceConfig struct {
	Repositories     []string
	S3Repositories   []S3RepositoryConfig
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3UsePathStyle   bool
	APIKeys          map[string]string
	CacheBackend     string
	CacheTTL         time.Duration
	CacheSize        int
	RedisURL         string
	RequestTimeout   time.Duration
	DownloadTimeout  time.Duration
	MaxDownloadSize  int64
	SecurityScanning bool
	Concurrency      int

	// ServeIndex, when set, serves a local repository from this index file
	ServeIndex     string
	ServeArtifacts string
}

// OrchestratorConfig holds core settings
type OrchestratorConfig struct {
	CoreVersion    string
	DataDir        string
	CacheDir       string
	AutoLoad       bool
	WatchEnabled   bool
	WatchDebounce  time.Duration
	UpdateSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables, after reading
// envFiles (default .env) into the environment. Missing files are skipped.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	dataDir := getEnv("CLOUDCRAVER_DATA_DIR", defaultDataDir())
	cfg := &Config{
		Server:        loadServerConfig(),
		Discovery:     loadDiscoveryConfig(),
		Validator:     loadValidatorConfig(),
		Sandbox:       loadSandboxConfig(),
		Loader:        loadLoaderConfig(dataDir),
		Registry:      loadRegistryConfig(dataDir),
		Marketplace:   loadMarketplaceConfig(),
		Orchestrator:  loadOrchestratorConfig(dataDir),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".cloudcraver")
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CLOUDCRAVER_HOST", "0.0.0.0"),
		Port:            getEnv("CLOUDCRAVER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CLOUDCRAVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CLOUDCRAVER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CLOUDCRAVER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CLOUDCRAVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CLOUDCRAVER_HEALTH_PORT", "9090"),
	}
}

func loadDiscoveryConfig() DiscoveryConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return DiscoveryConfig{
		ProjectDir: getEnv("CLOUDCRAVER_PLUGINS_PROJECT_DIR", "./plugins"),
		UserDir:    getEnv("CLOUDCRAVER_PLUGINS_USER_DIR", filepath.Join(home, ".cloudcraver", "plugins")),
		SystemDir:  getEnv("CLOUDCRAVER_PLUGINS_SYSTEM_DIR", "/usr/local/share/cloudcraver/plugins"),
		ExtraPaths: getEnvList("CLOUDCRAVER_PLUGINS_EXTRA_PATHS", nil),
	}
}

func loadValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Strict:         getEnvBool("CLOUDCRAVER_VALIDATOR_STRICT", false),
		MaxFileSize:    getEnvInt64("CLOUDCRAVER_VALIDATOR_MAX_FILE_SIZE", 1024*1024),
		AllowedImports: getEnvList("CLOUDCRAVER_VALIDATOR_ALLOWED_IMPORTS", nil),
	}
}

func loadSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Enabled:      getEnvBool("CLOUDCRAVER_SANDBOX_ENABLED", true),
		MaxCPUTime:   getEnvDuration("CLOUDCRAVER_SANDBOX_MAX_CPU_TIME", 30*time.Second),
		MaxMemory:    getEnvInt64("CLOUDCRAVER_SANDBOX_MAX_MEMORY", 100*1024*1024),
		AddressSpace: uint64(getEnvInt64("CLOUDCRAVER_SANDBOX_ADDRESS_SPACE", 0)),
		MaxFileSize:  getEnvInt64("CLOUDCRAVER_SANDBOX_MAX_FILE_SIZE", 10*1024*1024),
		TempRoot:     getEnv("CLOUDCRAVER_SANDBOX_TEMP_ROOT", ""),
		AllowedPaths: getEnvList("CLOUDCRAVER_SANDBOX_ALLOWED_PATHS", nil),
		Timeout:      getEnvDuration("CLOUDCRAVER_SANDBOX_TIMEOUT", 30*time.Second),
	}
}

func loadLoaderConfig(dataDir string) LoaderConfig {
	return LoaderConfig{
		Isolation:      getEnvBool("CLOUDCRAVER_LOADER_ISOLATION", true),
		TempDir:        getEnv("CLOUDCRAVER_LOADER_TEMP_DIR", ""),
		MaxPackageSize: getEnvInt64("CLOUDCRAVER_LOADER_MAX_PACKAGE_SIZE", 50*1024*1024),
		InstallDir:     getEnv("CLOUDCRAVER_INSTALL_DIR", filepath.Join(dataDir, "plugins")),
		LuaCallTimeout: getEnvDuration("CLOUDCRAVER_LUA_CALL_TIMEOUT", 30*time.Second),
	}
}

func loadRegistryConfig(dataDir string) RegistryConfig {
	return RegistryConfig{
		Path:          getEnv("CLOUDCRAVER_REGISTRY_PATH", filepath.Join(dataDir, "registry.json")),
		JournalDriver: getEnv("CLOUDCRAVER_REGISTRY_JOURNAL_DRIVER", ""),
		JournalDSN:    getEnv("CLOUDCRAVER_REGISTRY_JOURNAL_DSN", ""),
	}
}

func loadMarketplaceConfig() MarketplaceConfig {
	cfg := MarketplaceConfig{
		Repositories:     getEnvList("CLOUDCRAVER_MARKETPLACE_REPOSITORIES", []string{"https://plugins.cloudcraver.io/api/v1"}),
		S3Region:         getEnv("CLOUDCRAVER_MARKETPLACE_S3_REGION", "us-east-1"),
		S3Endpoint:       getEnv("CLOUDCRAVER_MARKETPLACE_S3_ENDPOINT", ""),
		S3AccessKey:      getEnv("CLOUDCRAVER_MARKETPLACE_S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("CLOUDCRAVER_MARKETPLACE_S3_SECRET_KEY", ""),
		S3UsePathStyle:   getEnvBool("CLOUDCRAVER_MARKETPLACE_S3_USE_PATH_STYLE", false),
		APIKeys:          parseKeyValues(getEnvList("CLOUDCRAVER_MARKETPLACE_API_KEYS", nil)),
		CacheBackend:     strings.ToLower(getEnv("CLOUDCRAVER_MARKETPLACE_CACHE", "memory")),
		CacheTTL:         getEnvDuration("CLOUDCRAVER_MARKETPLACE_CACHE_TTL", time.Hour),
		CacheSize:        getEnvInt("CLOUDCRAVER_MARKETPLACE_CACHE_SIZE", 256),
		RedisURL:         getEnv("CLOUDCRAVER_REDIS_URL", ""),
		RequestTimeout:   getEnvDuration("CLOUDCRAVER_MARKETPLACE_REQUEST_TIMEOUT", 30*time.Second),
		DownloadTimeout:  getEnvDuration("CLOUDCRAVER_MARKETPLACE_DOWNLOAD_TIMEOUT", 5*time.Minute),
		MaxDownloadSize:  getEnvInt64("CLOUDCRAVER_MARKETPLACE_MAX_DOWNLOAD_SIZE", 100*1024*1024),
		SecurityScanning: getEnvBool("CLOUDCRAVER_MARKETPLACE_SECURITY_SCANNING", true),
		Concurrency:      getEnvInt("CLOUDCRAVER_MARKETPLACE_CONCURRENCY", 0),
		ServeIndex:       getEnv("CLOUDCRAVER_MARKETPLACE_SERVE_INDEX", ""),
		ServeArtifacts:   getEnv("CLOUDCRAVER_MARKETPLACE_SERVE_ARTIFACTS", ""),
	}
	for _, spec := range getEnvList("CLOUDCRAVER_MARKETPLACE_S3_REPOSITORIES", nil) {
		cfg.S3Repositories = append(cfg.S3Repositories, parseS3Repository(spec))
	}
	return cfg
}

func loadOrchestratorConfig(dataDir string) OrchestratorConfig {
	return OrchestratorConfig{
		CoreVersion:    getEnv("CLOUDCRAVER_CORE_VERSION", "1.0.0"),
		DataDir:        dataDir,
		CacheDir:       getEnv("CLOUDCRAVER_CACHE_DIR", filepath.Join(dataDir, "cache")),
		AutoLoad:       getEnvBool("CLOUDCRAVER_AUTO_LOAD", true),
		WatchEnabled:   getEnvBool("CLOUDCRAVER_WATCH_ENABLED", false),
		WatchDebounce:  getEnvDuration("CLOUDCRAVER_WATCH_DEBOUNCE", 500*time.Millisecond),
		UpdateSchedule: getEnv("CLOUDCRAVER_UPDATE_SCHEDULE", "0 */6 * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("CLOUDCRAVER_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("CLOUDCRAVER_LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("CLOUDCRAVER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CLOUDCRAVER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CLOUDCRAVER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CLOUDCRAVER_OTEL_SERVICE_NAME", "cloudcraver-plugind"),
		OTelServiceVersion: getEnv("CLOUDCRAVER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CLOUDCRAVER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Validator.MaxFileSize <= 0 {
		return fmt.Errorf("validator max file size must be positive")
	}
	if c.Loader.MaxPackageSize <= 0 {
		return fmt.Errorf("loader max package size must be positive")
	}
	if c.Sandbox.MaxFileSize <= 0 {
		return fmt.Errorf("sandbox max file size must be positive")
	}
	if c.Sandbox.Timeout < 0 || c.Sandbox.MaxCPUTime < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry path is required")
	}
	switch c.Registry.JournalDriver {
	case "":
	case "sqlite3", "postgres":
		if c.Registry.JournalDSN == "" {
			return fmt.Errorf("journal DSN is required for %s journal", c.Registry.JournalDriver)
		}
	default:
		return fmt.Errorf("invalid journal driver: %s (must be sqlite3 or postgres)", c.Registry.JournalDriver)
	}

	switch c.Marketplace.CacheBackend {
	case "memory":
	case "redis":
		if c.Marketplace.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Marketplace.CacheBackend)
	}
	if c.Marketplace.MaxDownloadSize <= 0 {
		return fmt.Errorf("marketplace max download size must be positive")
	}
	for _, repo := range c.Marketplace.S3Repositories {
		if repo.Bucket == "" {
			return fmt.Errorf("S3 repository bucket is required")
		}
	}
	if c.Marketplace.ServeIndex != "" && c.Marketplace.ServeArtifacts == "" {
		return fmt.Errorf("artifact directory is required when serving a repository index")
	}

	if c.Orchestrator.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel normalizes a log level name, falling back to info
func parseLogLevel(level string) string {
	switch l := strings.ToLower(level); l {
	case "debug", "info", "error":
		return l
	case "warn", "warning":
		return "warn"
	default:
		return "info"
	}
}

// parseS3Repository accepts "bucket", "bucket/prefix" or "s3://bucket/prefix"
func parseS3Repository(spec string) S3RepositoryConfig {
	spec = strings.TrimPrefix(spec, "s3://")
	bucket, prefix, _ := strings.Cut(spec, "/")
	return S3RepositoryConfig{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
}

// parseKeyValues turns host=key entries into a map. Entries without "=" are skipped.
func parseKeyValues(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a list, or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
