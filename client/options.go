package client

import (
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

type Option func(c *Conn)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		c.l = l
	}
}

// WithRequestTimeout bounds the response wait of every operation.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

func WithWriteDeadline(d time.Duration) Option {
	return func(c *Conn) {
		c.wdl = d
	}
}

func WithQUICConfig(conf *quic.Config) Option {
	return func(c *Conn) {
		c.quicConf = conf
	}
}
