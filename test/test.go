// Package test provides helpers for running an in-process raijin server
// in tests and benchmarks.
package test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ValerySidorin/raijin/server"
)

// DefaultRaijinServerTestConfig binds an ephemeral port and shortens
// timings so tests observe heartbeats and takeovers quickly.
func DefaultRaijinServerTestConfig() server.Config {
	return server.Config{
		Addr:                "127.0.0.1:0",
		HeartbeatInterval:   200 * time.Millisecond,
		TakeoverGracePeriod: 500 * time.Millisecond,
		TLS:                 GenerateServerTLSConfig(),
	}
}

// RunServer starts a raijin server and blocks until it accepts
// connections. The server stops when ctx is canceled.
func RunServer(ctx context.Context, conf server.Config) *server.Server {
	s, err := server.New(conf, slog.New(slog.DiscardHandler))
	if err != nil {
		panic(fmt.Errorf("unable to create raijin server: %w", err))
	}

	go func() {
		if err := s.ListenAndServe(ctx); err != nil {
			panic(fmt.Errorf("unable to start raijin server: %w", err))
		}
	}()

	if !s.ReadyForConnections(10 * time.Second) {
		panic("unable to start raijin server: timeout")
	}

	return s
}

func GenerateServerTLSConfig() *tls.Config {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	cert, _ := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert},
		PrivateKey:  key,
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{"raijin"}}
}

// ClientTLSConfig trusts any server certificate, for dialing test servers.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"raijin"}}
}
