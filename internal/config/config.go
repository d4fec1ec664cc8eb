// Package config loads server and client settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server holds the room server settings.
type Server struct {
	Addr            string        `env:"CHAT_ADDR"              envDefault:":8001"`
	DatabasePath    string        `env:"CHAT_DB_PATH"           envDefault:"chat.db"`
	DatabaseDebug   bool          `env:"CHAT_DB_DEBUG"          envDefault:"false"`
	HistoryLimit    int           `env:"CHAT_HISTORY_LIMIT"     envDefault:"50"`
	RateLimit       int           `env:"CHAT_RATE_LIMIT"        envDefault:"10"`
	RateLimitWindow time.Duration `env:"CHAT_RATE_LIMIT_WINDOW" envDefault:"1m"`
	PollTimeout     time.Duration `env:"CHAT_POLL_TIMEOUT"      envDefault:"25s"`
	PollIdleTimeout time.Duration `env:"CHAT_POLL_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT"  envDefault:"30s"`
	SendBuffer      int           `env:"CHAT_SEND_BUFFER"       envDefault:"64"`
}

// Client holds the chat client settings.
type Client struct {
	ServerURL        string        `env:"CHAT_SERVER_URL"        envDefault:"http://localhost:8001"`
	TypingIdle       time.Duration `env:"CHAT_TYPING_IDLE"       envDefault:"1s"`
	HandshakeTimeout time.Duration `env:"CHAT_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	Transports       []string      `env:"CHAT_TRANSPORTS"        envDefault:"websocket,polling" envSeparator:","`
	ReconnectMin     time.Duration `env:"CHAT_RECONNECT_MIN"     envDefault:"500ms"`
	ReconnectMax     time.Duration `env:"CHAT_RECONNECT_MAX"     envDefault:"10s"`
	RoomsCacheTTL    time.Duration `env:"CHAT_ROOMS_CACHE_TTL"   envDefault:"5s"`
}

// LoadServer parses server settings.
func LoadServer() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse server env: %w", err)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return cfg, nil
}

// LoadClient parses client settings.
func LoadClient() (Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("parse client env: %w", err)
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = time.Second
	}
	return cfg, nil
}
