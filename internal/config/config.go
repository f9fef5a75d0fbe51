// Package config loads client settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// BaseURL is the game server root, e.g. https://game.example.com.
	BaseURL string `env:"TEN_DREAMS_BASE_URL" envDefault:"http://127.0.0.1:8000"`
	// Token is the ambient credential sent on init, logout, and the
	// websocket handshake.
	Token          string        `env:"TEN_DREAMS_TOKEN"`
	ReconnectDelay time.Duration `env:"TEN_DREAMS_RECONNECT_DELAY" envDefault:"5s"`
	InitTimeout    time.Duration `env:"TEN_DREAMS_INIT_TIMEOUT" envDefault:"10s"`
	LogSinks       []string      `env:"TEN_DREAMS_LOG_SINKS" envDefault:"console" envSeparator:","`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) InitURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/game/init"
}

func (c Config) LogoutURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/logout"
}

// SocketURL rewrites the base URL scheme for the persistent connection.
func (c Config) SocketURL() (string, error) {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}
