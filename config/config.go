// Package config holds the yaml file configuration of a raijin node.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ValerySidorin/raijin/config/tls"
	"github.com/ValerySidorin/raijin/internal/observability"
	"github.com/ValerySidorin/raijin/server"
	"github.com/quic-go/quic-go"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log           LogConfig            `yaml:"log"`
	Raijin        RaijinConfig         `yaml:"raijin"`
	Observability observability.Config `yaml:"observability"`
}

type RaijinConfig struct {
	Addr                 string        `yaml:"addr"`
	WriteDeadline        time.Duration `yaml:"write_deadline"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	TakeoverGracePeriod  time.Duration `yaml:"takeover_grace_period"`
	MaxDocsPerBatchLimit int           `yaml:"max_docs_per_batch_limit"`
	HandlerPoolSize      int           `yaml:"handler_pool_size"`
	TLS                  tls.TLSConfig `yaml:"tls"`
	QUIC                 QUICConfig    `yaml:"quic"`
}

type QUICConfig struct {
	MaxIncomingStreams   int64         `yaml:"max_incoming_streams"`
	KeepAlivePeriod      time.Duration `yaml:"keepalive_period"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout"`
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}

	if c.Raijin.Addr == "" {
		c.Raijin.Addr = ":4849"
	}
}

// ParseServerConfig resolves the yaml configuration into the runtime server
// config, loading TLS material from disk.
func (c *Config) ParseServerConfig() (server.Config, error) {
	tlsConf, err := c.Raijin.TLS.Parse()
	if err != nil {
		return server.Config{}, fmt.Errorf("parse TLS conf: %w", err)
	}

	return server.Config{
		Addr:                 c.Raijin.Addr,
		WriteDeadline:        c.Raijin.WriteDeadline,
		HeartbeatInterval:    c.Raijin.HeartbeatInterval,
		TakeoverGracePeriod:  c.Raijin.TakeoverGracePeriod,
		MaxDocsPerBatchLimit: c.Raijin.MaxDocsPerBatchLimit,
		HandlerPoolSize:      c.Raijin.HandlerPoolSize,
		TLS:                  tlsConf,
		QUIC:                 c.Raijin.QUIC.Parse(),
	}, nil
}

func (c *QUICConfig) Parse() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:   c.MaxIncomingStreams,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
	}
}

// Load reads the config from filePath, falling back to the default lookup
// locations when filePath is empty.
func Load(filePath string, cfg *Config) error {
	paths := []string{}

	if filePath == "" {
		paths = append(paths, "./config.yaml", "conf/config.yaml", "config/config.yaml")
	} else {
		paths = append(paths, filePath)
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}

		cfg.SetDefaults()
		return nil
	}

	return fmt.Errorf("failed to find config in: %v", paths)
}
