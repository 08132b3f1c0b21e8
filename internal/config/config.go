package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/transition"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	DashboardInterval time.Duration
	StoreTimeout      time.Duration
	PerformanceWindow time.Duration // default lookback when startDate is omitted
	EventBuffer       int
	Transitions       transition.Table
	Storage           storage.Config
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Storage:        storage.LoadConfig(),
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	dashboardInterval, err := positiveInt("DASHBOARD_INTERVAL", "5")
	if err != nil {
		return nil, err
	}
	config.DashboardInterval = time.Duration(dashboardInterval) * time.Second

	storeTimeout, err := positiveInt("STORE_TIMEOUT", "5")
	if err != nil {
		return nil, err
	}
	config.StoreTimeout = time.Duration(storeTimeout) * time.Second

	days, err := positiveInt("PERFORMANCE_DEFAULT_DAYS", "30")
	if err != nil {
		return nil, err
	}
	config.PerformanceWindow = time.Duration(days) * 24 * time.Hour

	config.EventBuffer, err = positiveInt("EVENT_BUFFER", "64")
	if err != nil {
		return nil, err
	}

	config.Transitions, err = transition.ParseTable(transition.DefaultTable(), os.Getenv("STATUS_TRANSITIONS"))
	if err != nil {
		return nil, fmt.Errorf("invalid STATUS_TRANSITIONS: %w", err)
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

func positiveInt(key, defaultValue string) (int, error) {
	v, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", key, v)
	}
	return v, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
