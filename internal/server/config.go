// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the delivery service.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// TypingConfig controls the typing relay.
type TypingConfig struct {
	// ExcludeSender stops typing signals from echoing back to the session
	// that sent them. Off by default.
	ExcludeSender bool `yaml:"exclude_sender"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	// SecretEnv names the environment variable holding the HS256 secret.
	// Verification is disabled when the variable is unset or empty.
	SecretEnv string `yaml:"secret_env"`
}

// Secret returns the token secret resolved from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// RedisConfig enables the shared presence directory when Addr is set.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// NATSConfig enables cross-node fan-out when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MongoConfig enables the message history endpoint when URI is set.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `yaml:"port"`
	NodeID          string          `yaml:"node_id"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	SendBuffer      int             `yaml:"send_buffer"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Typing          TypingConfig    `yaml:"typing"`
	Auth            AuthConfig      `yaml:"auth"`
	Redis           RedisConfig     `yaml:"redis"`
	NATS            NATSConfig      `yaml:"nats"`
	Mongo           MongoConfig     `yaml:"mongo"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 8192
	defaultSendBuffer      = 256
	defaultBurst           = 10
	defaultPresenceTTL     = 2 * time.Minute
	defaultNATSSubject     = "chat.delivery"
	defaultMongoCollection = "messages"
	defaultShutdownTimeout = 10 * time.Second
)

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		Port:   defaultPort,
		NodeID: host,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		SendBuffer:     defaultSendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		Redis:           RedisConfig{PresenceTTL: defaultPresenceTTL},
		NATS:            NATSConfig{Subject: defaultNATSSubject},
		Mongo:           MongoConfig{Collection: defaultMongoCollection},
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// sanitizeConfig replaces out-of-range values with defaults.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.NodeID == "" {
		cfg.NodeID, _ = os.Hostname()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.Redis.PresenceTTL <= 0 {
		cfg.Redis.PresenceTTL = defaultPresenceTTL
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = defaultNATSSubject
	}
	if cfg.Mongo.Collection == "" {
		cfg.Mongo.Collection = defaultMongoCollection
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	next := defaultConfig()
	if cfg != nil {
		next = *cfg
	}
	next = sanitizeConfig(next)

	normalizedOrigins, allowAll := normalizeOrigins(next.AllowedOrigins)
	next.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = next
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// CurrentConfig returns a copy of the configuration in effect.
func CurrentConfig() Config {
	return currentConfig()
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path on top of the defaults, applies
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "server config: read %q", path)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "server config: parse yaml")
	}
	applyEnv(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "server config")
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Redis.DB < 0 {
		return errors.Errorf("redis.db %d must not be negative", cfg.Redis.DB)
	}
	if strings.ContainsAny(cfg.NATS.Subject, "*> ") {
		return errors.Errorf("nats.subject %q must be a literal subject", cfg.NATS.Subject)
	}
	if cfg.Mongo.URI != "" && cfg.Mongo.Database == "" {
		return errors.New("mongo.database is required when mongo.uri is set")
	}
	if cfg.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if node := os.Getenv("NODE_ID"); node != "" {
		cfg.NodeID = node
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		cfg.Mongo.URI = uri
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseInterval accepts a Go duration ("500ms") or a whole number of seconds.
func parseInterval(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
