// Package config loads service configuration: built-in defaults, then an optional
// YAML file, then environment variables (optionally seeded from a .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config holds the resolved configuration.
type Config struct {
	ListenAddr              string
	GracefulShutdownTimeout time.Duration
	LogLevel                string

	StoreBackend   string
	StoreTimeout   time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string

	MySQLDSN string

	RateLimitWindow time.Duration
	RateLimitMax    int64
	IdempotencyTTL  time.Duration

	PageCacheTTL     time.Duration
	PageDefaultLimit int
	PageMaxLimit     int

	CredentialLifetime   time.Duration
	CredentialMargin     time.Duration
	CredentialSigningKey string

	UpstreamURL     string
	UpstreamTimeout time.Duration
	UpstreamRetries int
	UpstreamBackoff time.Duration
	UpstreamRPS     float64

	SNSTopicARN string
	SNSEndpoint string

	JWTSecret string
	JWTIssuer string
}

var defaults = map[string]string{
	"LISTEN_ADDR":               ":8080",
	"GRACEFUL_SHUTDOWN_TIMEOUT": "15s",
	"LOG_LEVEL":                 "info",
	"STORE_TIMEOUT":             "100ms",
	"REDIS_DB":                  "0",
	"DDB_TABLE":                 "farmlokal-coordination",
	"AWS_REGION":                "us-east-1",
	"RATE_LIMIT_WINDOW":         "60s",
	"RATE_LIMIT_MAX":            "100",
	"IDEMPOTENCY_TTL":           "1h",
	"PAGE_CACHE_TTL":            "60s",
	"PAGE_DEFAULT_LIMIT":        "20",
	"PAGE_MAX_LIMIT":            "50",
	"CREDENTIAL_LIFETIME":       "60s",
	"CREDENTIAL_MARGIN":         "5s",
	"UPSTREAM_URL":              "https://jsonplaceholder.typicode.com/posts",
	"UPSTREAM_TIMEOUT":          "2s",
	"UPSTREAM_RETRIES":          "3",
	"UPSTREAM_BACKOFF":          "300ms",
	"UPSTREAM_RPS":              "0",
	"JWT_ISS":                   "",
}

// Load resolves configuration from the process environment. ENV_FILE (default .env)
// is loaded first without overriding variables already set; CONFIG_FILE names an
// optional YAML file of the same keys.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Str("file", envFile).Msg("no env file loaded")
	}

	var file map[string]string
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if file, err = ParseYAML(b); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return FromLookup(layered(file, os.LookupEnv))
}

// ParseYAML reads a flat mapping of configuration keys. Keys are case-insensitive and
// scalar values of any YAML type are accepted.
func ParseYAML(b []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("key %s: expected a scalar value", k)
		case nil:
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// layered prefers non-empty environment values over the file.
func layered(file map[string]string, env func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// FromLookup builds a Config from a key lookup, applying defaults for missing keys.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := defaults[key]
		return v, ok
	}}

	cfg := Config{
		ListenAddr:              p.str("LISTEN_ADDR"),
		GracefulShutdownTimeout: p.duration("GRACEFUL_SHUTDOWN_TIMEOUT"),
		LogLevel:                p.str("LOG_LEVEL"),

		StoreBackend:   strings.ToLower(p.str("STORE_BACKEND")),
		StoreTimeout:   p.duration("STORE_TIMEOUT"),
		RedisAddr:      p.str("REDIS_ADDR"),
		RedisPassword:  p.str("REDIS_PASSWORD"),
		RedisDB:        p.integer("REDIS_DB"),
		DynamoTable:    p.str("DDB_TABLE"),
		DynamoEndpoint: p.str("DDB_ENDPOINT"),
		AWSRegion:      p.str("AWS_REGION"),

		MySQLDSN: p.str("MYSQL_DSN"),

		RateLimitWindow: p.duration("RATE_LIMIT_WINDOW"),
		RateLimitMax:    int64(p.integer("RATE_LIMIT_MAX")),
		IdempotencyTTL:  p.duration("IDEMPOTENCY_TTL"),

		PageCacheTTL:     p.duration("PAGE_CACHE_TTL"),
		PageDefaultLimit: p.integer("PAGE_DEFAULT_LIMIT"),
		PageMaxLimit:     p.integer("PAGE_MAX_LIMIT"),

		CredentialLifetime:   p.duration("CREDENTIAL_LIFETIME"),
		CredentialMargin:     p.duration("CREDENTIAL_MARGIN"),
		CredentialSigningKey: p.str("CREDENTIAL_SIGNING_KEY"),

		UpstreamURL:     p.str("UPSTREAM_URL"),
		UpstreamTimeout: p.duration("UPSTREAM_TIMEOUT"),
		UpstreamRetries: p.integer("UPSTREAM_RETRIES"),
		UpstreamBackoff: p.duration("UPSTREAM_BACKOFF"),
		UpstreamRPS:     p.float("UPSTREAM_RPS"),

		SNSTopicARN: p.str("SNS_TOPIC_ARN"),
		SNSEndpoint: p.str("SNS_ENDPOINT"),

		JWTSecret: p.str("JWT_SECRET"),
		JWTIssuer: p.str("JWT_ISS"),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
		if cfg.RedisAddr != "" {
			cfg.StoreBackend = BackendRedis
		}
	}
	switch cfg.StoreBackend {
	case BackendRedis:
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		}
	case BackendDynamoDB, BackendMemory:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND: unknown backend %q", cfg.StoreBackend)
	}
	if cfg.CredentialMargin >= cfg.CredentialLifetime {
		return Config{}, fmt.Errorf("CREDENTIAL_MARGIN (%s) must be shorter than CREDENTIAL_LIFETIME (%s)",
			cfg.CredentialMargin, cfg.CredentialLifetime)
	}
	if cfg.UpstreamRetries < 0 {
		return Config{}, fmt.Errorf("UPSTREAM_RETRIES: must not be negative")
	}
	return cfg, nil
}

// parser records the first conversion error.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) str(key string) string {
	v, _ := p.lookup(key)
	return strings.TrimSpace(v)
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: invalid value %q: %w", key, v, err)
	}
}

func (p *parser) integer(key string) int {
	v := p.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return n
}

func (p *parser) float(key string) float64 {
	v := p.str(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
	}
	return f
}

// duration accepts Go duration syntax or a bare number of seconds.
func (p *parser) duration(key string) time.Duration {
	v := p.str(key)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return d
}
