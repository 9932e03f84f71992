package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	CORSOrigin    string
	// Redis is optional; without it events only reach sessions on this process.
	RedisURL         string
	BroadcastChannel string
	// Websocket tuning
	WSSendBuffer   int
	WSPingInterval time.Duration
	LogLevel       string
	LogFormat      string
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8787"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:        getenv("JWT_SECRET", "taskboard-dev-secret"),
		CORSOrigin:       getenv("CORS_ORIGIN", "*"),
		RedisURL:         getenv("REDIS_URL", ""),
		BroadcastChannel: getenv("BROADCAST_CHANNEL", "taskboard:events"),
		WSSendBuffer:     getenvInt("WS_SEND_BUFFER", 64),
		WSPingInterval:   time.Duration(getenvInt("WS_PING_SECONDS", 30)) * time.Second,
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
	}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
// An unknown level falls back to info.
func (c Config) NewLogger() *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(strings.TrimSpace(c.LogFormat), "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
