package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds daemon configuration, loaded from environment variables.
type Config struct {
	ListenAddr string // control API bind address
	DBPath     string

	LogLevel  string
	LogPretty bool

	// Control API auth. Empty user disables auth entirely.
	APIUser         string
	APIPasswordHash string // bcrypt hash

	// Optional Shoutrrr destinations accepted messages are forwarded to.
	ForwardURLs []string
	QuietStart  string // "HH:MM" UTC, empty disables quiet hours
	QuietEnd    string

	// Supervisor tuning.
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	StopTimeout time.Duration
}

// Load returns the daemon configuration from environment variables.
// A .env file in the working directory is honored if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:      getEnv("COURIER_LISTEN", "127.0.0.1:8793"),
		DBPath:          getEnv("COURIER_DB", "courier.db"),
		LogLevel:        getEnv("COURIER_LOG_LEVEL", "info"),
		LogPretty:       getEnv("COURIER_LOG_PRETTY", "false") == "true",
		APIUser:         getEnv("COURIER_API_USER", ""),
		APIPasswordHash: getEnv("COURIER_API_PASSWORD_HASH", ""),
		ForwardURLs:     splitList(getEnv("COURIER_FORWARD_URLS", "")),
		QuietStart:      getEnv("COURIER_QUIET_START", ""),
		QuietEnd:        getEnv("COURIER_QUIET_END", ""),
		BackoffMin:      getDuration("COURIER_BACKOFF_MIN", time.Second),
		BackoffMax:      getDuration("COURIER_BACKOFF_MAX", 5*time.Minute),
		StopTimeout:     getDuration("COURIER_STOP_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
