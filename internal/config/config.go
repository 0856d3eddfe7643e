// Package config loads server and matcher settings. Values start from
// defaults, are overlaid by an optional YAML file named by CONFIG_FILE and
// finally by individual environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anonmeet/meet-server/internal/messaging"
	"github.com/anonmeet/meet-server/internal/ratelimit"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Instance   string               `yaml:"instance"`
	Server     ServerConfig         `yaml:"server"`
	Redis      RedisConfig          `yaml:"redis"`
	NATS       messaging.NATSConfig `yaml:"nats"`
	Postgres   PostgresConfig       `yaml:"postgres"`
	Matching   MatchingConfig       `yaml:"matching"`
	Session    SessionConfig        `yaml:"session"`
	Bot        BotConfig            `yaml:"bot"`
	Link       LinkConfig           `yaml:"link"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit"`
	TextFilter TextFilterConfig     `yaml:"text_filter"`
}

// ServerConfig covers the HTTP listener and the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	CountryHeader     string        `yaml:"country_header"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxFrameSize      int64         `yaml:"max_frame_size"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// DefaultServer returns listener defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		CountryHeader:     "CF-IPCountry",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		MaxFrameSize:      64 << 10,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// RedisConfig locates the shared Redis. An empty Addr disables every
// Redis-backed component.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultRedis returns an unconfigured Redis section.
func DefaultRedis() RedisConfig {
	return RedisConfig{}
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// PostgresConfig locates the session history database. An empty URL
// disables history.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultPostgres returns pool defaults with history disabled.
func DefaultPostgres() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Enabled reports whether a database URL was configured.
func (p PostgresConfig) Enabled() bool { return p.URL != "" }

// MatchingConfig covers the queue and the matching cycle.
type MatchingConfig struct {
	Embedded     bool          `yaml:"embedded"`
	Interval     time.Duration `yaml:"interval"`
	QueueBackend string        `yaml:"queue_backend"`
	QueueTTL     time.Duration `yaml:"queue_ttl"`
}

// DefaultMatching runs the cycle in-process every 2s.
func DefaultMatching() MatchingConfig {
	return MatchingConfig{
		Embedded: true,
		Interval: 2 * time.Second,
		QueueTTL: 5 * time.Minute,
	}
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// DefaultSession keeps session records for an hour.
func DefaultSession() SessionConfig {
	return SessionConfig{TTL: time.Hour}
}

// BotConfig tunes the bot fallback.
type BotConfig struct {
	OfferDelay    time.Duration `yaml:"offer_delay"`
	ReplyMinDelay time.Duration `yaml:"reply_min_delay"`
	ReplyMaxDelay time.Duration `yaml:"reply_max_delay"`
}

// DefaultBot offers a bot after 10s and replies within 1-3s.
func DefaultBot() BotConfig {
	return BotConfig{
		OfferDelay:    10 * time.Second,
		ReplyMinDelay: time.Second,
		ReplyMaxDelay: 3 * time.Second,
	}
}

// LinkConfig tunes shareable links.
type LinkConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

// DefaultLink issues day-long links.
func DefaultLink() LinkConfig {
	return LinkConfig{
		TTL:           24 * time.Hour,
		PublicBaseURL: "http://localhost:8080",
	}
}

// RateLimitConfig holds the per-user rules. Limits apply only when Redis
// is configured.
type RateLimitConfig struct {
	StartMatching ratelimit.Rule `yaml:"start_matching"`
	Text          ratelimit.Rule `yaml:"text"`
}

// DefaultRateLimit returns the built-in rules.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		StartMatching: ratelimit.RuleStartMatching,
		Text:          ratelimit.RuleText,
	}
}

// TextFilterConfig controls screening of chat text. BlockedTerms are
// matched as whole words or phrases.
type TextFilterConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BlockedTerms []string `yaml:"blocked_terms"`
}

// DefaultTextFilter blocks contact details and flooding with no keyword list.
func DefaultTextFilter() TextFilterConfig {
	return TextFilterConfig{Enabled: true}
}

// Default returns a complete configuration for a single local instance.
func Default() *Config {
	return &Config{
		Server:     DefaultServer(),
		Redis:      DefaultRedis(),
		NATS:       messaging.DefaultNATSConfig(),
		Postgres:   DefaultPostgres(),
		Matching:   DefaultMatching(),
		Session:    DefaultSession(),
		Bot:        DefaultBot(),
		Link:       DefaultLink(),
		RateLimit:  DefaultRateLimit(),
		TextFilter: DefaultTextFilter(),
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
		log.Printf("[config] loaded %s", path)
	}

	cfg.applyEnv()
	cfg.resolveBackends()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c. Keys absent from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Instance = getEnv("INSTANCE", getEnv("SERVER_NAME", c.Instance))

	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.CountryHeader = getEnv("COUNTRY_HEADER", c.Server.CountryHeader)
	c.Server.WorkerPoolSize = getInt("WORKER_POOL_SIZE", c.Server.WorkerPoolSize)
	c.Server.MaxConnections = getInt("MAX_CONNECTIONS", c.Server.MaxConnections)
	c.Server.ReadTimeout = getDuration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDuration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", c.Server.HeartbeatInterval)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getInt("REDIS_DB", c.Redis.DB)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Postgres.URL = getEnv("DATABASE_URL", c.Postgres.URL)

	c.Matching.Embedded = getBool("MATCHER_EMBEDDED", c.Matching.Embedded)
	c.Matching.Interval = getDuration("MATCH_INTERVAL", c.Matching.Interval)
	c.Matching.QueueBackend = getEnv("QUEUE_BACKEND", c.Matching.QueueBackend)
	c.Matching.QueueTTL = getDuration("QUEUE_TTL", c.Matching.QueueTTL)

	c.Session.Backend = getEnv("SESSION_BACKEND", c.Session.Backend)
	c.Session.TTL = getDuration("SESSION_TTL", c.Session.TTL)

	c.Bot.OfferDelay = getDuration("BOT_OFFER_DELAY", c.Bot.OfferDelay)
	c.Bot.ReplyMinDelay = getDuration("BOT_REPLY_MIN_DELAY", c.Bot.ReplyMinDelay)
	c.Bot.ReplyMaxDelay = getDuration("BOT_REPLY_MAX_DELAY", c.Bot.ReplyMaxDelay)

	c.Link.Backend = getEnv("LINK_BACKEND", c.Link.Backend)
	c.Link.TTL = getDuration("LINK_TTL", c.Link.TTL)
	c.Link.PublicBaseURL = strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", c.Link.PublicBaseURL), "/")

	c.TextFilter.Enabled = getBool("TEXT_FILTER_ENABLED", c.TextFilter.Enabled)
	if terms := os.Getenv("TEXT_FILTER_TERMS"); terms != "" {
		c.TextFilter.BlockedTerms = strings.Split(terms, ",")
	}

	if c.Instance == "" {
		c.Instance, _ = os.Hostname()
	}
	if c.Instance == "" {
		c.Instance = "meet-1"
	}
}

// resolveBackends picks Redis for unset backends when Redis is configured.
func (c *Config) resolveBackends() {
	def := BackendMemory
	if c.Redis.Enabled() {
		def = BackendRedis
	}
	for _, b := range []*string{&c.Matching.QueueBackend, &c.Session.Backend, &c.Link.Backend} {
		if *b == "" {
			*b = def
		}
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	backends := map[string]string{
		"matching.queue_backend": c.Matching.QueueBackend,
		"session.backend":        c.Session.Backend,
		"link.backend":           c.Link.Backend,
	}
	for key, b := range backends {
		switch b {
		case BackendMemory:
		case BackendRedis:
			if !c.Redis.Enabled() {
				errs = append(errs, fmt.Errorf("%s is redis but redis.addr is empty", key))
			}
		default:
			errs = append(errs, fmt.Errorf("%s must be memory or redis, got %q", key, b))
		}
	}

	if c.Matching.Interval <= 0 {
		errs = append(errs, fmt.Errorf("matching.interval must be positive"))
	}
	if c.Matching.QueueTTL <= 0 || c.Session.TTL <= 0 || c.Link.TTL <= 0 {
		errs = append(errs, fmt.Errorf("queue, session and link TTLs must be positive"))
	}
	if c.Bot.OfferDelay <= 0 {
		errs = append(errs, fmt.Errorf("bot.offer_delay must be positive"))
	}
	if c.Bot.ReplyMinDelay < 0 || c.Bot.ReplyMinDelay > c.Bot.ReplyMaxDelay {
		errs = append(errs, fmt.Errorf("bot reply delay range [%s, %s] is invalid",
			c.Bot.ReplyMinDelay, c.Bot.ReplyMaxDelay))
	}
	if !c.Matching.Embedded && (!c.Redis.Enabled() || c.NATS.URL == "") {
		errs = append(errs, fmt.Errorf("a standalone matcher needs redis and nats"))
	}
	if c.Link.PublicBaseURL == "" {
		errs = append(errs, fmt.Errorf("link.public_base_url is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("[config] ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("[config] ignoring %s=%q: not a boolean", key, value)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("[config] ignoring %s=%q: not a duration", key, value)
	}
	return defaultValue
}
