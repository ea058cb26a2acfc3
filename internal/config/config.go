// Package config loads per-concern settings from the environment.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `env:"ARCHIPEL_LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"ARCHIPEL_LOG_PRETTY" envDefault:"false"`
}

// LoadLog parses logging settings.
func LoadLog() (LogConfig, error) {
	var cfg LogConfig
	err := env.Parse(&cfg)
	return cfg, err
}

// ServerConfig holds the directory server settings. The timing values drive
// the whole recovery model: the read-idle timeout detects dead channels, the
// autoplay delay bounds a stalled turn, and the eviction grace bounds how
// long a disconnected participant keeps their identity and seat.
type ServerConfig struct {
	ListenAddr      string        `env:"ARCHIPEL_ADDR" envDefault:":7373"`
	ReadIdleTimeout time.Duration `env:"ARCHIPEL_READ_IDLE_TIMEOUT" envDefault:"20s"`
	WriteTimeout    time.Duration `env:"ARCHIPEL_WRITE_TIMEOUT" envDefault:"5s"`
	SendBuffer      int           `env:"ARCHIPEL_SEND_BUFFER" envDefault:"100"`
	EvictionGrace   time.Duration `env:"ARCHIPEL_EVICTION_GRACE" envDefault:"60s"`
	AutoplayDelay   time.Duration `env:"ARCHIPEL_AUTOPLAY_DELAY" envDefault:"15s"`
	DispatchQueue   int           `env:"ARCHIPEL_DISPATCH_QUEUE" envDefault:"256"`
}

// LoadServer parses server settings.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot serve.
func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.ReadIdleTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.SendBuffer <= 0 || c.DispatchQueue <= 0 {
		return errors.New("buffer sizes must be positive")
	}
	if c.EvictionGrace <= 0 || c.AutoplayDelay <= 0 {
		return errors.New("recovery delays must be positive")
	}
	if c.AutoplayDelay >= c.EvictionGrace {
		return errors.New("autoplay delay must be shorter than the eviction grace")
	}
	return nil
}

// ClientConfig holds peer-side settings, including the session-recovery
// record used for silent re-registration after a restart.
type ClientConfig struct {
	ServerURL         string        `env:"ARCHIPEL_SERVER_URL" envDefault:"ws://127.0.0.1:7373/ws"`
	HeartbeatInterval time.Duration `env:"ARCHIPEL_HEARTBEAT_INTERVAL" envDefault:"5s"`
	ReconnectInterval time.Duration `env:"ARCHIPEL_RECONNECT_INTERVAL" envDefault:"2s"`
	AckTimeout        time.Duration `env:"ARCHIPEL_ACK_TIMEOUT" envDefault:"2s"`
	AckRetries        int           `env:"ARCHIPEL_ACK_RETRIES" envDefault:"3"`
	RecoveryPath      string        `env:"ARCHIPEL_RECOVERY_PATH" envDefault:"archipel-session.db"`
	RecoveryMaxAge    time.Duration `env:"ARCHIPEL_RECOVERY_MAX_AGE" envDefault:"24h"`
}

// LoadClient parses peer settings.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	err := env.Parse(&cfg)
	return cfg, err
}
