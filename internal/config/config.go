// Package config loads gateway configuration from the environment and an
// optional YAML file holding the model catalog and filter tags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAppPassword is the shipped admin password. Startup refuses to run
// with it so deployments cannot go live on the default credential.
const DefaultAppPassword = "grokgate"

// Server holds the HTTP listener settings.
type Server struct {
	Host    string
	Port    int
	Workers int
}

// Storage selects the persistence backend.
type Storage struct {
	Type string // local | redis | pgsql
	URL  string // directory for local, DSN otherwise
}

// Auth holds credential material.
type Auth struct {
	AppKey        string // master API key for /v1 endpoints
	AppPassword   string // admin console password
	PublicKey     string // optional key for the public imagine/video surface
	SessionSecret string // HMAC key for cookie sessions
}

// Pool tunes the token pool and its cooldown state machine.
type Pool struct {
	MaxRetry              int
	FailThreshold         int
	CooldownErrorRequests int
	CooldownRateLimited   time.Duration // 429 with remaining quota
	CooldownExhausted     time.Duration // 429 with no remaining quota
	ReloadInterval        time.Duration
	SaveDelay             time.Duration
	EffortLow             int
	EffortHigh            int
	BasicQuota            int
	BasicRefresh          time.Duration
	SuperQuota            int
	SuperRefresh          time.Duration
}

// Conversation tunes the conversation context store.
type Conversation struct {
	TTL           time.Duration
	SweepInterval time.Duration
	PerTokenCap   int
	SaveDelay     time.Duration
}

// Proxy tunes outbound proxy selection.
type Proxy struct {
	Static          string // fixed proxy URL, or
	PoolURL         string // endpoint returning a proxy per call
	RefreshInterval time.Duration
	Max403Retries   int
}

// Stream tunes the three streaming deadlines. Zero disables a deadline.
type Stream struct {
	FirstTimeout time.Duration
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
}

// Chat tunes the request supervisor.
type Chat struct {
	Concurrent int
	Temporary  bool // ask upstream not to retain conversations
}

// Stats tunes request accounting.
type Stats struct {
	HourlyKeep int
	DailyKeep  int
	LogsMax    int
	SaveDelay  time.Duration
}

// Config is the full runtime configuration.
type Config struct {
	Server       Server
	Storage      Storage
	Auth         Auth
	Pool         Pool
	Conversation Conversation
	Proxy        Proxy
	Stream       Stream
	Chat         Chat
	Stats        Stats

	LogLevel  string
	LogFormat string

	// AppURL is the externally visible base URL, used when rewriting
	// upstream asset paths into links clients can fetch.
	AppURL string

	// BrowserProfile names the impersonated browser build for upstream
	// requests.
	BrowserProfile string

	UpstreamBase string

	Catalog *Catalog
}

// Load reads .env (if present), the environment, and the optional YAML
// catalog file named by CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: Server{
			Host:    getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:    getEnvAsInt("SERVER_PORT", 8180),
			Workers: getEnvAsInt("SERVER_WORKERS", 1),
		},
		Storage: Storage{
			Type: getEnvOrDefault("SERVER_STORAGE_TYPE", "local"),
			URL:  getEnvOrDefault("SERVER_STORAGE_URL", "./data"),
		},
		Auth: Auth{
			AppKey:        getEnvOrDefault("APP_KEY", ""),
			AppPassword:   getEnvOrDefault("APP_PASSWORD", DefaultAppPassword),
			PublicKey:     getEnvOrDefault("PUBLIC_KEY", ""),
			SessionSecret: getEnvOrDefault("SESSION_SECRET", ""),
		},
		Pool: Pool{
			MaxRetry:              getEnvAsInt("POOL_MAX_RETRY", 3),
			FailThreshold:         getEnvAsInt("POOL_FAIL_THRESHOLD", 5),
			CooldownErrorRequests: getEnvAsInt("POOL_COOLDOWN_ERROR_REQUESTS", 5),
			CooldownRateLimited:   getEnvAsDuration("POOL_COOLDOWN_RATE_LIMITED", time.Hour),
			CooldownExhausted:     getEnvAsDuration("POOL_COOLDOWN_EXHAUSTED", 10*time.Hour),
			ReloadInterval:        getEnvAsDuration("POOL_RELOAD_INTERVAL", 30*time.Second),
			SaveDelay:             getEnvAsDuration("POOL_SAVE_DELAY", 500*time.Millisecond),
			EffortLow:             getEnvAsInt("POOL_EFFORT_LOW", 1),
			EffortHigh:            getEnvAsInt("POOL_EFFORT_HIGH", 4),
			BasicQuota:            getEnvAsInt("POOL_BASIC_QUOTA", 80),
			BasicRefresh:          getEnvAsDuration("POOL_BASIC_REFRESH", 20*time.Hour),
			SuperQuota:            getEnvAsInt("POOL_SUPER_QUOTA", 140),
			SuperRefresh:          getEnvAsDuration("POOL_SUPER_REFRESH", 2*time.Hour),
		},
		Conversation: Conversation{
			TTL:           getEnvAsDuration("CONV_TTL", 24*time.Hour),
			SweepInterval: getEnvAsDuration("CONV_SWEEP_INTERVAL", 10*time.Minute),
			PerTokenCap:   getEnvAsInt("CONV_PER_TOKEN_CAP", 50),
			SaveDelay:     getEnvAsDuration("CONV_SAVE_DELAY", 500*time.Millisecond),
		},
		Proxy: Proxy{
			Static:          getEnvOrDefault("PROXY_URL", ""),
			PoolURL:         getEnvOrDefault("PROXY_POOL_URL", ""),
			RefreshInterval: getEnvAsDuration("PROXY_REFRESH_INTERVAL", 5*time.Minute),
			Max403Retries:   getEnvAsInt("PROXY_403_MAX", 5),
		},
		Stream: Stream{
			FirstTimeout: getEnvAsDuration("STREAM_FIRST_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("STREAM_IDLE_TIMEOUT", 120*time.Second),
			TotalTimeout: getEnvAsDuration("STREAM_TOTAL_TIMEOUT", 600*time.Second),
		},
		Chat: Chat{
			Concurrent: getEnvAsInt("CHAT_CONCURRENT", 50),
			Temporary:  getEnvAsBool("CHAT_TEMPORARY", false),
		},
		Stats: Stats{
			HourlyKeep: getEnvAsInt("STATS_HOURLY_KEEP", 48),
			DailyKeep:  getEnvAsInt("STATS_DAILY_KEEP", 30),
			LogsMax:    getEnvAsInt("STATS_LOGS_MAX", 2000),
			SaveDelay:  getEnvAsDuration("STATS_SAVE_DELAY", 500*time.Millisecond),
		},
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LOG_FORMAT", ""),
		AppURL:         getEnvOrDefault("APP_URL", ""),
		BrowserProfile: getEnvOrDefault("BROWSER_PROFILE", "chrome136"),
		UpstreamBase:   getEnvOrDefault("UPSTREAM_BASE", "https://grok.com"),
	}

	catalog, err := LoadCatalog(getEnvOrDefault("CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}
	cfg.Catalog = catalog

	return cfg, nil
}

// Validate rejects configurations that must not reach serving.
func (c *Config) Validate() error {
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET must be set")
	}
	if c.Auth.AppPassword == DefaultAppPassword {
		return fmt.Errorf("APP_PASSWORD must be changed from the default")
	}
	switch c.Storage.Type {
	case "local", "redis", "pgsql":
	case "mysql":
		return fmt.Errorf("storage type mysql is not supported; use local, redis or pgsql")
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration syntax, or a bare integer meaning
// seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
