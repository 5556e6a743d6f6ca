package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	ServerPort string
	DataDir    string
	LogDir     string

	// StreamSecret is the shared secret subscribers present when opening
	// an event stream connection.
	StreamSecret string

	// CacheCapacity caps the number of cached message entries per chat.
	CacheCapacity int

	// StaleSweepInterval controls how often disconnected device handles
	// are checked for release; StaleIdleWindow is how long a handle may
	// sit disconnected before its resources are freed.
	StaleSweepInterval time.Duration
	StaleIdleWindow    time.Duration

	// WarmupWindow is how long a device is reported as warming up after
	// it becomes ready.
	WarmupWindow time.Duration
}

// NewConfig creates a configuration from the environment with defaults.
// A .env file in the working directory is honored when present.
func NewConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:         envString("WF_PORT", "3000"),
		DataDir:            envString("WF_DATA_DIR", "data"),
		LogDir:             envString("WF_LOG_DIR", "logs"),
		StreamSecret:       envString("WF_STREAM_SECRET", ""),
		CacheCapacity:      envInt("WF_CACHE_CAPACITY", 100),
		StaleSweepInterval: envDuration("WF_STALE_SWEEP_INTERVAL", 10*time.Minute),
		StaleIdleWindow:    envDuration("WF_STALE_IDLE_WINDOW", time.Hour),
		WarmupWindow:       envDuration("WF_WARMUP_WINDOW", 2*time.Minute),
	}
}

// EnsureDataDir ensures the data directory exists
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// GetCorsConfig returns CORS configuration for the application
func (c *Config) GetCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
