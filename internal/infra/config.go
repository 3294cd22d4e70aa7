package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	StorageDriverFilesystem = "filesystem"
	StorageDriverS3         = "s3"
)

// Config represents application configuration.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	StoreDriver string
	AutoMigrate bool

	StorageDriver   string
	StoragePath     string
	StorageBaseURL  string
	S3Region        string
	S3BucketPrefix  string
	S3Endpoint      string
	S3PublicBaseURL string
	S3UsePathStyle  bool

	VisionEndpoint string
	VisionKey      string
	VisionLanguage string
	AnalyzeInline  bool

	// LocalStateDriver is sqlite, file or memory; it backs usage counters and caches.
	LocalStateDriver string
	LocalStateDSN    string

	UsagePerMonth  int
	UsagePerDay    int
	UsagePerMinute int
	UsagePerSecond int

	MaxConcurrent         int
	ProcessingTimeout     time.Duration
	StaleAfter            time.Duration
	MaxAttempts           int
	PendingGrace          time.Duration
	SweepInterval         time.Duration
	FallbackColorSampling bool
	DebugForceComplete    bool

	CacheMaxSize int
	CacheTTL     time.Duration
	MaxFileSize  int64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
	GeoIPDBPath      string
	DefaultLocale    string
}

// LoadConfig reads .env.local and .env when present (neither overrides the
// real environment, and .env.local wins over .env), then an optional YAML file named by
// GALLERY_CONFIG_FILE, then the environment. Environment variables win over
// the file. Missing required settings fail here, before anything connects.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	src := &source{}
	if path := strings.TrimSpace(os.Getenv("GALLERY_CONFIG_FILE")); path != "" {
		file, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	port := src.get("PORT", "8080")
	cfg := &Config{
		AppEnv:      src.get("APP_ENV", "development"),
		Port:        port,
		DatabaseURL: src.get("DATABASE_URL", ""),
		JWTSecret:   src.get("JWT_SECRET", ""),
		StoreDriver: strings.ToLower(src.get("STORE_DRIVER", StoreDriverPostgres)),
		AutoMigrate: src.getBool("AUTO_MIGRATE", false),

		StorageDriver:   strings.ToLower(src.get("STORAGE_DRIVER", StorageDriverFilesystem)),
		StoragePath:     src.get("STORAGE_PATH", "./storage"),
		StorageBaseURL:  strings.TrimRight(src.get("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		S3Region:        src.get("S3_REGION", "us-east-1"),
		S3BucketPrefix:  src.get("S3_BUCKET_PREFIX", ""),
		S3Endpoint:      src.get("S3_ENDPOINT", ""),
		S3PublicBaseURL: src.get("S3_PUBLIC_BASE_URL", ""),
		S3UsePathStyle:  src.getBool("S3_USE_PATH_STYLE", false),

		VisionEndpoint: strings.TrimRight(src.get("VISION_ENDPOINT", ""), "/"),
		VisionKey:      src.get("VISION_KEY", ""),
		VisionLanguage: src.get("VISION_LANGUAGE", "en"),
		AnalyzeInline:  src.getBool("VISION_ANALYZE_INLINE", false),

		LocalStateDriver: strings.ToLower(src.get("LOCAL_STATE_DRIVER", "sqlite")),
		LocalStateDSN:    src.get("LOCAL_STATE_DSN", "./storage/state.db"),

		UsagePerMonth:  src.getInt("USAGE_PER_MONTH", 4000),
		UsagePerDay:    src.getInt("USAGE_PER_DAY", 150),
		UsagePerMinute: src.getInt("USAGE_PER_MINUTE", 20),
		UsagePerSecond: src.getInt("USAGE_PER_SECOND", 10),

		MaxConcurrent:         src.getInt("PROCESSING_MAX_CONCURRENT", 5),
		ProcessingTimeout:     src.getSeconds("PROCESSING_TIMEOUT_SECONDS", 300),
		StaleAfter:            src.getSeconds("PROCESSING_STALE_AFTER_SECONDS", 300),
		MaxAttempts:           src.getInt("PROCESSING_MAX_ATTEMPTS", 3),
		PendingGrace:          src.getSeconds("PROCESSING_PENDING_GRACE_SECONDS", 60),
		SweepInterval:         src.getSeconds("WORKER_SWEEP_INTERVAL_SECONDS", 30),
		FallbackColorSampling: src.getBool("FALLBACK_COLOR_SAMPLING", false),
		DebugForceComplete:    src.getBool("DEBUG_FORCE_COMPLETE", false),

		CacheMaxSize: src.getInt("CACHE_MAX_SIZE", 100),
		CacheTTL:     src.getSeconds("CACHE_TTL_SECONDS", 300),
		MaxFileSize:  int64(src.getInt("MAX_FILE_SIZE_BYTES", 10<<20)),

		HTTPReadTimeout:  src.getSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout: src.getSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 0),
		HTTPIdleTimeout:  src.getSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		RateLimitPerMin:  src.getInt("RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:      splitList(src.get("CORS_ORIGINS", "http://localhost:3000")),
		GeoIPDBPath:      src.get("GEOIP_DB_PATH", ""),
		DefaultLocale:    src.get("DEFAULT_LOCALE", "en"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver))
	}
	switch c.StorageDriver {
	case StorageDriverFilesystem, StorageDriverS3:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not supported", c.StorageDriver))
	}
	if c.VisionEndpoint == "" {
		errs = append(errs, errors.New("VISION_ENDPOINT is required"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("PROCESSING_MAX_CONCURRENT must be positive"))
	}
	return errors.Join(errs...)
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s *source) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if v, ok := s.file[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (s *source) get(key, fallback string) string {
	if v, ok := s.lookup(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (s *source) getInt(key string, fallback int) int {
	if v, ok := s.lookup(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func (s *source) getBool(key string, fallback bool) bool {
	if v, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func (s *source) getSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(s.getInt(key, fallback))
}

// readConfigFile parses a flat YAML mapping of setting names to values.
func readConfigFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
