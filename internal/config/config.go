package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig carries every runtime knob of the arena server. All values come
// from the environment; optional collaborators (Redis, Postgres, auth
// service) are simply absent when their URL is empty.
type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string
	AuthBaseURL string

	// Room lifecycle and clock scan.
	RoomGracePeriod   time.Duration
	ClockTickInterval time.Duration

	// Default time control for rooms created without one.
	DefaultMinutes      int
	DefaultIncrementSec int

	AllowedOrigins []string

	MsgTemplateDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:          ":8080",
		RoomGracePeriod:     30 * time.Second,
		ClockTickInterval:   250 * time.Millisecond,
		DefaultMinutes:      5,
		DefaultIncrementSec: 0,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.AuthBaseURL = strings.TrimSpace(os.Getenv("AUTH_BASE_URL"))

	if v := strings.TrimSpace(os.Getenv("ROOM_GRACE_PERIOD")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RoomGracePeriod = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CLOCK_TICK_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ClockTickInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMinutes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_INCREMENT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DefaultIncrementSec = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}

	cfg.MsgTemplateDir = strings.TrimSpace(os.Getenv("MSG_TEMPLATE_DIR"))

	return cfg, nil
}
