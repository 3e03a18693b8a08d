// Package client implements the raijin Go client: document operations, the
// subscription administration facade and the subscription worker engine.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/quic-go/quic-go"
)

type Conn struct {
	mu    sync.Mutex
	qconn quic.Connection

	addr     string
	tlsConf  *tls.Config
	quicConf *quic.Config

	timeout time.Duration
	wdl     time.Duration
	closed  atomic.Bool

	l *slog.Logger
}

// Connect dials a raijin node. The returned Conn is safe for concurrent
// use; operations multiplex over streams of one QUIC connection.
func Connect(ctx context.Context, addr string, tlsConf *tls.Config, opts ...Option) (*Conn, error) {
	c := &Conn{
		addr:    addr,
		tlsConf: tlsConf,
		timeout: 10 * time.Second,
		wdl:     10 * time.Second,
		l:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, c.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic: dial addr: %w", err)
	}
	c.qconn = conn

	return c, nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.qconn.CloseWithError(0x0, ""); err != nil {
		return fmt.Errorf("quic: close: %w", err)
	}
	return nil
}

// openStream opens a fresh stream, redialing the connection if it has died
// since the last operation.
func (c *Conn) openStream(ctx context.Context) (quic.Stream, error) {
	if c == nil {
		return nil, ErrConnClosed
	}
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	c.mu.Lock()
	qconn := c.qconn
	c.mu.Unlock()

	str, err := qconn.OpenStreamSync(ctx)
	if err == nil {
		return str, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qconn != qconn {
		str, rerr := c.qconn.OpenStreamSync(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("quic: open stream: %w", rerr)
		}
		return str, nil
	}

	redialed, derr := quic.DialAddr(ctx, c.addr, c.tlsConf, c.quicConf)
	if derr != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	c.qconn = redialed

	str, err = redialed.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	return str, nil
}

// dial opens a dedicated QUIC connection with the Conn's dial parameters.
// Subscription workers own one connection each.
func (c *Conn) dial(ctx context.Context) (quic.Connection, error) {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsConf, c.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic: dial addr: %w", err)
	}
	return conn, nil
}

// do performs one request/response exchange on a dedicated stream.
func (c *Conn) do(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	str, err := c.openStream(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		str.CancelRead(0x0)
		_ = str.Close()
	}()

	_ = str.SetWriteDeadline(time.Now().Add(c.wdl))
	if err := proto.WriteFrame(str, req); err != nil {
		return nil, err
	}

	_ = str.SetReadDeadline(time.Now().Add(c.timeout))
	var resp proto.Response
	if err := proto.ReadFrame(str, proto.DefaultMaxFrameSize, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errFromWire(resp.Error)
	}
	return &resp, nil
}
