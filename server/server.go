// Package server implements the raijin node: a QUIC server exposing
// document operations, subscription administration and the subscription
// streaming protocol over one port.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ValerySidorin/raijin/internal/store"
	"github.com/panjf2000/ants/v2"
	"github.com/quic-go/quic-go"
)

const drainTimeout = 30 * time.Second

type Config struct {
	Addr string

	// WriteDeadline bounds every frame write.
	WriteDeadline time.Duration
	// HeartbeatInterval paces empty keep-alive batches on idle
	// subscription streams.
	HeartbeatInterval time.Duration
	// TakeoverGracePeriod is how long an evicted worker is given to finish
	// its in-flight batch cycle before the server force-closes it.
	TakeoverGracePeriod time.Duration
	// MaxDocsPerBatchLimit caps the per-batch document count a worker may
	// request.
	MaxDocsPerBatchLimit int
	// HandlerPoolSize bounds the stream handler goroutine pool.
	HandlerPoolSize int

	TLS  *tls.Config
	QUIC *quic.Config
}

func (c *Config) SetDefaults() {
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.TakeoverGracePeriod <= 0 {
		c.TakeoverGracePeriod = 5 * time.Second
	}
	if c.MaxDocsPerBatchLimit <= 0 {
		c.MaxDocsPerBatchLimit = 4096
	}
	if c.HandlerPoolSize <= 0 {
		c.HandlerPoolSize = 4096
	}
}

type Server struct {
	conf Config

	store *store.Store
	subs  *store.Subscriptions
	slots *slots
	pool  *ants.Pool

	ready  chan struct{}
	lnAddr net.Addr

	l *slog.Logger
}

func New(conf Config, l *slog.Logger) (*Server, error) {
	conf.SetDefaults()

	pool, err := ants.NewPool(conf.HandlerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("new handler pool: %w", err)
	}

	st := store.New()
	return &Server{
		conf:  conf,
		store: st,
		subs:  store.NewSubscriptions(st),
		slots: newSlots(),
		pool:  pool,
		ready: make(chan struct{}),
		l:     l,
	}, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	tr := &quic.Transport{
		Conn: conn,
	}

	ln, err := tr.Listen(s.conf.TLS, s.conf.QUIC)
	if err != nil {
		return fmt.Errorf("listen quic: %w", err)
	}

	connWg := &sync.WaitGroup{}

	defer func() {
		if err := ln.Close(); err != nil {
			s.l.Error("close quic listener", "err", err)
		}

		timeout := time.After(drainTimeout)
		done := make(chan struct{})

		go func() {
			connWg.Wait()
			close(done)
		}()

		select {
		case <-timeout:
			s.l.Error("closing quic listener after timeout")
		case <-done:
			s.l.Info("closing quic listener after all connections done")
		}

		if err := tr.Close(); err != nil {
			s.l.Error("close quic transport", "err", err)
		}
		if err := conn.Close(); err != nil {
			s.l.Error("close udp listener", "err", err)
		}

		s.pool.Release()
		s.l.Info("raijin server stopped")
	}()

	s.lnAddr = ln.Addr()
	close(s.ready)
	s.l.Info("raijin server started", "addr", ln.Addr())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			conn, err := ln.Accept(ctx)
			if err != nil {
				if !errors.Is(err, ctx.Err()) {
					s.l.Error(fmt.Errorf("accept conn: %w", err).Error())
				}
				continue
			}

			go s.handleConn(ctx, conn, connWg)
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection, wg *sync.WaitGroup) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-conn.Context().Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	for {
		str, err := conn.AcceptStream(connCtx)
		if err != nil {
			if connCtx.Err() == nil {
				if err := conn.CloseWithError(0, "accept stream: "+err.Error()); err != nil {
					s.l.Error("close with error", "err", err)
				}
			}
			return
		}

		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			s.handleStream(connCtx, str)
		}); err != nil {
			wg.Done()
			s.l.Error("submit stream handler", "err", err)
			str.CancelRead(0x0)
			_ = str.Close()
		}
	}
}

func (s *Server) ReadyForConnections(timeout time.Duration) bool {
	select {
	case <-time.After(timeout):
		return false
	case <-s.ready:
		return true
	}
}

// Addr returns the bound listener address once the server is ready, nil
// before that. Useful with an ephemeral port configuration.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.lnAddr
	default:
		return nil
	}
}
