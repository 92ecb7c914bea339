package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment represents the runtime environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Overflow policies for background work queues
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// Config holds all gateway configuration
type Config struct {
	Environment Environment      `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Admin       AdminConfig      `yaml:"admin"`
	Database    DatabaseConfig   `yaml:"database"`
	Edge        EdgeConfig       `yaml:"edge"`
	Trust       TrustConfig      `yaml:"trust"`
	Routing     RoutingConfig    `yaml:"routing"`
	Upstream    UpstreamConfig   `yaml:"upstream"`
	Reputation  ReputationConfig `yaml:"reputation"`
	Events      EventsConfig     `yaml:"events"`
	GeoIP       GeoIPConfig      `yaml:"geoip"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the public edge listener configuration
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig holds the administrative API listener configuration
type AdminConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MetricsPath  string        `yaml:"metrics_path"`
}

// DatabaseConfig holds PostgreSQL database configuration.
// URL takes precedence over the discrete connection fields when set.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// EdgeConfig describes how the CDN edge in front of the gateway identifies itself
type EdgeConfig struct {
	ClientIPHeader   string   `yaml:"client_ip_header"`
	CountryHeader    string   `yaml:"country_header"`
	SecretHeader     string   `yaml:"secret_header"`
	Secret           string   `yaml:"secret"`
	CIDRs            []string `yaml:"cidrs"`
	AllowLocalBypass bool     `yaml:"allow_local_bypass"`
}

// TrustConfig configures which clients count as internal
type TrustConfig struct {
	PublicIPFile    string        `yaml:"public_ip_file"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	WatchFile       bool          `yaml:"watch_file"`
	TrustedNetworks []string      `yaml:"trusted_networks"`
}

// RouteRule maps a set of hostnames to an upstream target
type RouteRule struct {
	Name   string   `yaml:"name"`
	Hosts  []string `yaml:"hosts"`
	Target string   `yaml:"target"`
}

// RoutingConfig holds the host routing table
type RoutingConfig struct {
	DefaultTarget string      `yaml:"default_target"`
	Rules         []RouteRule `yaml:"rules"`
}

// UpstreamConfig tunes forwarding to backends
type UpstreamConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	PreserveHost          bool          `yaml:"preserve_host"`
	DashboardRule         string        `yaml:"dashboard_rule"`
	DashboardUser         string        `yaml:"dashboard_user"`
	AuthProxyHeader       string        `yaml:"auth_proxy_header"`
}

// QueueConfig sizes a bounded background work queue
type QueueConfig struct {
	Size       int           `yaml:"size"`
	Workers    int           `yaml:"workers"`
	Overflow   string        `yaml:"overflow"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// ReputationConfig configures blacklist/allowlist lookups and writes
type ReputationConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	Queue         QueueConfig   `yaml:"queue"`
}

// EventsConfig configures request telemetry and partition retention
type EventsConfig struct {
	RetentionMonths int         `yaml:"retention_months"`
	Schedule        string      `yaml:"schedule"`
	Queue           QueueConfig `yaml:"queue"`
}

// GeoIPConfig points at an optional MaxMind country database
type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// RateLimitConfig holds admin API rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds"`
	MaxRequests   int  `yaml:"max_requests"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file or environment overrides exist
func Default() *Config {
	return &Config{
		Environment: EnvProduction,
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			MetricsPath:  "/metrics",
		},
		Database: DatabaseConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     "5432",
			User:     "edgeproxy",
			Name:     "edgeproxy",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Edge: EdgeConfig{
			ClientIPHeader: "CF-Connecting-IP",
			CountryHeader:  "CF-IPCountry",
			SecretHeader:   "X-Origin-Verify",
		},
		Trust: TrustConfig{
			PublicIPFile:    "/var/lib/edgeproxy/public_ip",
			CacheTTL:        30 * time.Second,
			WatchFile:       true,
			TrustedNetworks: []string{"192.168.1.0/24"},
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:      5 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 32,
			PreserveHost:        true,
			DashboardRule:       "grafana",
			DashboardUser:       "x",
			AuthProxyHeader:     "X-WEBAUTH-USER",
		},
		Reputation: ReputationConfig{
			LookupTimeout: 250 * time.Millisecond,
			Queue: QueueConfig{
				Size:       1024,
				Workers:    2,
				Overflow:   OverflowDropOldest,
				JobTimeout: 5 * time.Second,
			},
		},
		Events: EventsConfig{
			RetentionMonths: 3,
			Schedule:        "@every 12h",
			Queue: QueueConfig{
				Size:       1024,
				Workers:    4,
				Overflow:   OverflowDropOldest,
				JobTimeout: 5 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			WindowSeconds: 60,
			MaxRequests:   60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds configuration from defaults, an optional YAML file named by
// EDGE_CONFIG, and environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("EDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Default to production for security - explicit opt-in to development mode
	env := Environment(getEnv("ENV", string(c.Environment)))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}
	c.Environment = env

	c.Server.Addr = getEnv("EDGE_ADDR", c.Server.Addr)
	c.Server.ReadHeaderTimeout = getDuration("EDGE_READ_HEADER_TIMEOUT", c.Server.ReadHeaderTimeout)
	c.Server.ShutdownTimeout = getDuration("EDGE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Admin.Enabled = getBool("ADMIN_ENABLED", c.Admin.Enabled)
	c.Admin.Addr = getEnv("ADMIN_ADDR", c.Admin.Addr)

	c.Database.Enabled = getBool("DB_ENABLED", c.Database.Enabled)
	c.Database.URL = getEnv("DB_URL", c.Database.URL)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConns = int32(getInt("DB_POOL_SIZE", int(c.Database.MaxConns)))

	c.Edge.ClientIPHeader = getEnv("EDGE_CLIENT_IP_HEADER", c.Edge.ClientIPHeader)
	c.Edge.CountryHeader = getEnv("EDGE_COUNTRY_HEADER", c.Edge.CountryHeader)
	c.Edge.SecretHeader = getEnv("CF_ORIGIN_VERIFY_HEADER", c.Edge.SecretHeader)
	c.Edge.Secret = getEnv("CF_ORIGIN_VERIFY_SECRET", c.Edge.Secret)
	c.Edge.CIDRs = getEnvSlice("EDGE_CIDRS", c.Edge.CIDRs)
	c.Edge.AllowLocalBypass = getBool("EDGE_ALLOW_LOCAL_BYPASS", c.Edge.AllowLocalBypass)

	c.Trust.PublicIPFile = getEnv("PUBLIC_IP_FILE", c.Trust.PublicIPFile)
	c.Trust.CacheTTL = getDuration("PUBLIC_IP_CACHE_TTL", c.Trust.CacheTTL)
	c.Trust.TrustedNetworks = getEnvSlice("TRUSTED_NETWORKS", c.Trust.TrustedNetworks)

	c.Routing.DefaultTarget = getEnv("DEFAULT_TARGET", c.Routing.DefaultTarget)

	c.Upstream.ConnectTimeout = getDuration("UPSTREAM_CONNECT_TIMEOUT", c.Upstream.ConnectTimeout)
	c.Upstream.ResponseHeaderTimeout = getDuration("UPSTREAM_RESPONSE_HEADER_TIMEOUT", c.Upstream.ResponseHeaderTimeout)
	c.Upstream.PreserveHost = getBool("UPSTREAM_PRESERVE_HOST", c.Upstream.PreserveHost)

	c.Reputation.LookupTimeout = getDuration("REPUTATION_LOOKUP_TIMEOUT", c.Reputation.LookupTimeout)

	c.Events.RetentionMonths = getInt("EVENT_RETENTION_MONTHS", c.Events.RetentionMonths)
	c.Events.Schedule = getEnv("EVENT_MAINTENANCE_SCHEDULE", c.Events.Schedule)
	c.Events.Queue.Overflow = getEnv("EVENT_QUEUE_OVERFLOW", c.Events.Queue.Overflow)

	c.GeoIP.DatabasePath = getEnv("GEOIP_DATABASE", c.GeoIP.DatabasePath)

	c.RateLimit.Enabled = getBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.WindowSeconds = getInt("RATE_LIMIT_WINDOW_SECONDS", c.RateLimit.WindowSeconds)
	c.RateLimit.MaxRequests = getInt("RATE_LIMIT_MAX_REQUESTS", c.RateLimit.MaxRequests)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
}

// ConnString returns the pgx connection string for the database
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.PathEscape(d.User), url.PathEscape(d.Password), d.Host, d.Port, d.Name, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// Validate checks that the configuration is usable.
// Production additionally refuses settings that weaken edge verification.
func (c *Config) Validate() error {
	var errs []string

	if c.Routing.DefaultTarget == "" {
		errs = append(errs, "DEFAULT_TARGET is required")
	} else if err := validTarget(c.Routing.DefaultTarget); err != nil {
		errs = append(errs, "default target: "+err.Error())
	}

	seen := make(map[string]string)
	for i, rule := range c.Routing.Rules {
		label := rule.Name
		if label == "" {
			label = "#" + strconv.Itoa(i)
		}
		if len(rule.Hosts) == 0 {
			errs = append(errs, fmt.Sprintf("route %s has no hosts", label))
		}
		if err := validTarget(rule.Target); err != nil {
			errs = append(errs, fmt.Sprintf("route %s: %v", label, err))
		}
		for _, h := range rule.Hosts {
			h = strings.ToLower(h)
			if prev, ok := seen[h]; ok {
				errs = append(errs, fmt.Sprintf("host %q in route %s is shadowed by route %s", h, label, prev))
				continue
			}
			seen[h] = label
		}
	}

	for _, cidr := range c.Edge.CIDRs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, fmt.Sprintf("invalid edge CIDR %q", cidr))
		}
	}
	for _, cidr := range c.Trust.TrustedNetworks {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, fmt.Sprintf("invalid trusted network %q", cidr))
		}
	}

	if c.Edge.ClientIPHeader == "" {
		errs = append(errs, "edge client IP header must not be empty")
	}
	if c.Edge.Secret != "" && c.Edge.SecretHeader == "" {
		errs = append(errs, "CF_ORIGIN_VERIFY_HEADER is required when CF_ORIGIN_VERIFY_SECRET is set")
	}

	if c.Events.RetentionMonths < 1 {
		errs = append(errs, "EVENT_RETENTION_MONTHS must be at least 1")
	}
	if _, err := cron.ParseStandard(c.Events.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("invalid maintenance schedule %q", c.Events.Schedule))
	}

	for name, q := range map[string]QueueConfig{"event": c.Events.Queue, "reputation": c.Reputation.Queue} {
		if q.Overflow != OverflowDropOldest && q.Overflow != OverflowBlock {
			errs = append(errs, fmt.Sprintf("%s queue overflow must be %q or %q", name, OverflowDropOldest, OverflowBlock))
		}
		if q.Size < 1 || q.Workers < 1 {
			errs = append(errs, fmt.Sprintf("%s queue needs a positive size and worker count", name))
		}
	}

	if c.Environment == EnvProduction {
		if c.Edge.AllowLocalBypass {
			errs = append(errs, "EDGE_ALLOW_LOCAL_BYPASS must be disabled in production")
		}
		if c.Database.Enabled && c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, "DB_PASSWORD is required in production")
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}

	return nil
}

func validTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target %q must be an absolute http(s) URL", raw)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
