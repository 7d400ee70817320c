// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required chat credentials, use ValidateIRCReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// IRC transport
	IRCHost      string
	IRCPort      int
	IRCTLS       bool
	BotUsername  string
	OAuthToken   string
	Channels     []string
	MaxSends     int
	SendWindow   time.Duration

	// Admission control
	UserCooldown    time.Duration
	ChannelBurst    int
	ChannelRate     float64
	CleanupMaxAge   time.Duration
	CleanupInterval time.Duration

	// Database (optional; empty disables the chat-line audit log)
	DBDsn string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if chat creds are
// missing; use ValidateIRCReady() before starting the supervisor. Missing optional variables
// disable features (e.g. the audit log).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.IRCHost = os.Getenv("IRC_HOST")
	if cfg.IRCHost == "" {
		cfg.IRCHost = "irc.chat.twitch.tv"
	}
	cfg.IRCPort = envInt("IRC_PORT", 6697)
	cfg.IRCTLS = os.Getenv("IRC_TLS") != "0"

	cfg.BotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.OAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	for _, ch := range strings.Split(os.Getenv("TWITCH_CHANNELS"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.Channels = append(cfg.Channels, ch)
		}
	}

	cfg.MaxSends = envInt("THROTTLE_MAX_SENDS", 18)
	var err error
	if cfg.SendWindow, err = envDuration("THROTTLE_WINDOW", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UserCooldown, err = envDuration("USER_COOLDOWN", 2*time.Second); err != nil {
		return nil, err
	}
	cfg.ChannelBurst = envInt("CHANNEL_BURST", 5)
	cfg.ChannelRate = 1.0
	if v := os.Getenv("CHANNEL_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid CHANNEL_RATE (commands/sec): %q", v)
		}
		cfg.ChannelRate = f
	}
	if cfg.CleanupMaxAge, err = envDuration("ADMISSION_CLEANUP_MAX_AGE", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = envDuration("ADMISSION_CLEANUP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateIRCReady checks required fields before starting the chat supervisor.
func (c *Config) ValidateIRCReady() error {
	if c.BotUsername == "" || c.OAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", key, v)
	}
	return d, nil
}
