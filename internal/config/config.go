package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

//go:embed biometric.yaml
var biometricYAML []byte

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMariaDB  = "mariadb"
)

type Config struct {
	Embedding EmbeddingConfig
	Database  DatabaseConfig
	Biometric BiometricConfig
	Log       LogConfig
	Web       WebConfig

	// loadErrs holds values Load could not parse; Validate reports them.
	loadErrs []error
}

type EmbeddingConfig struct {
	URL          string // defaults to http://localhost:8000
	Dim          int    // defaults to 512
	MaxImageSize int    // longest edge sent to the embedding server (default 1280)
	MaxRetries   int    // retries on 5xx and transport errors (default 2)
	Concurrency  int    // parallel extractor calls (default 4)
}

type DatabaseConfig struct {
	Driver        string // postgres (default) or mariadb
	URL           string // PostgreSQL connection URL or MariaDB DSN
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the identity HNSW index (optional, if empty index is rebuilt on startup)
}

type BiometricConfig struct {
	Thresholds biometric.Thresholds `yaml:"thresholds"`
	Refine     RefineConfig         `yaml:"refine"`
	Enrollment EnrollmentConfig     `yaml:"enrollment"`
}

type RefineConfig struct {
	Rounds         int     `yaml:"rounds"`
	TrimFloor      int     `yaml:"trim_floor"`
	TrimPercentile float64 `yaml:"trim_percentile"`
}

type EnrollmentConfig struct {
	MaxSamples int           `yaml:"max_samples"`
	TTL        time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

type WebConfig struct {
	Host       string
	Port       int
	AdminToken string // bearer token for the identity admin API, empty disables it

	// AllowedOrigins receive CORS headers in addition to localhost.
	AllowedOrigins []string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float. An unset or empty
// variable yields defaultVal; a value that is not a number is an error.
func envFloat(key string, defaultVal float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s must be a number, got %q", key, s)
	}
	return f, nil
}

// envDuration reads an environment variable as a positive duration ("15m", "90s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// defaultBiometric parses the embedded biometric.yaml.
func defaultBiometric() BiometricConfig {
	var b BiometricConfig
	if err := yaml.Unmarshal(biometricYAML, &b); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded biometric.yaml: " + err.Error())
	}
	return b
}

func Load() *Config {
	b := defaultBiometric()

	// EMBEDDING_MAX_RETRIES may legitimately be 0.
	maxRetries := 2
	if s := os.Getenv("EMBEDDING_MAX_RETRIES"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			maxRetries = n
		}
	}

	var loadErrs []error
	parseFloat := func(key string, defaultVal float64) float64 {
		f, err := envFloat(key, defaultVal)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return f
	}

	cfg := &Config{
		Embedding: EmbeddingConfig{
			URL:          os.Getenv("EMBEDDING_URL"),
			Dim:          envInt("EMBEDDING_DIM", 512),
			MaxImageSize: envInt("EMBEDDING_MAX_IMAGE_SIZE", 1280),
			MaxRetries:   maxRetries,
			Concurrency:  envInt("EXTRACTOR_CONCURRENCY", 4),
		},
		Database: DatabaseConfig{
			Driver:        envString("DATABASE_DRIVER", DriverPostgres),
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Biometric: BiometricConfig{
			Thresholds: biometric.Thresholds{
				Duplicate:  parseFloat("DUPLICATE_THRESHOLD", b.Thresholds.Duplicate),
				Acceptance: parseFloat("ACCEPTANCE_THRESHOLD", b.Thresholds.Acceptance),
			},
			Refine: RefineConfig{
				Rounds:         envInt("REFINE_ROUNDS", b.Refine.Rounds),
				TrimFloor:      envInt("REFINE_TRIM_FLOOR", b.Refine.TrimFloor),
				TrimPercentile: parseFloat("REFINE_TRIM_PERCENTILE", b.Refine.TrimPercentile),
			},
			Enrollment: EnrollmentConfig{
				MaxSamples: envInt("ENROLLMENT_MAX_SAMPLES", b.Enrollment.MaxSamples),
				TTL:        envDuration("ENROLLMENT_TTL", b.Enrollment.TTL),
			},
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AdminToken:     os.Getenv("WEB_ADMIN_TOKEN"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
	cfg.loadErrs = loadErrs
	return cfg
}

// Validate checks the values that would make the engine misbehave.
func (c *Config) Validate() error {
	errs := slices.Clone(c.loadErrs)

	checkThreshold := func(name string, v float64) {
		if !(v > -1 && v <= 1) {
			errs = append(errs, fmt.Errorf("%s must be in (-1, 1], got %v", name, v))
		}
	}
	checkThreshold("DUPLICATE_THRESHOLD", c.Biometric.Thresholds.Duplicate)
	checkThreshold("ACCEPTANCE_THRESHOLD", c.Biometric.Thresholds.Acceptance)

	if c.Biometric.Refine.Rounds <= 0 {
		errs = append(errs, fmt.Errorf("REFINE_ROUNDS must be positive, got %d", c.Biometric.Refine.Rounds))
	}
	if p := c.Biometric.Refine.TrimPercentile; !(p > 0 && p <= 100) {
		errs = append(errs, fmt.Errorf("REFINE_TRIM_PERCENTILE must be in (0, 100], got %v", p))
	}
	if c.Embedding.Dim <= 0 {
		errs = append(errs, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.Embedding.Dim))
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverMariaDB:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMariaDB, c.Database.Driver))
	}
	return errors.Join(errs...)
}

// Refiner builds the reference refiner from the configured values.
func (c *BiometricConfig) Refiner() *biometric.Refiner {
	r := biometric.NewRefiner()
	r.Rounds = c.Refine.Rounds
	r.TrimFloor = c.Refine.TrimFloor
	r.TrimPercentile = c.Refine.TrimPercentile
	return r
}

// EngineConfig returns the engine settings derived from the configuration.
func (c *Config) EngineConfig() biometric.EngineConfig {
	return biometric.EngineConfig{
		Thresholds:           c.Biometric.Thresholds,
		Dim:                  c.Embedding.Dim,
		MaxSamples:           c.Biometric.Enrollment.MaxSamples,
		SessionTTL:           c.Biometric.Enrollment.TTL,
		ExtractorConcurrency: int64(c.Embedding.Concurrency),
		Refiner:              c.Biometric.Refiner(),
	}
}
