package test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ValerySidorin/raijin/client"
)

func benchConn(b *testing.B, ctx context.Context) *client.Conn {
	s := RunServer(ctx, DefaultRaijinServerTestConfig())

	conn, err := client.Connect(ctx, s.Addr().String(), ClientTLSConfig())
	if err != nil {
		b.Fatalf("connect: %v", err)
	}
	b.Cleanup(func() { conn.Close() })
	return conn
}

func BenchmarkPut(b *testing.B) {
	ctx, cancel := context.WithCancel(b.Context())
	defer cancel()

	b.StopTimer()
	conn := benchConn(b, ctx)

	payload := []byte(`{"name":"bench","age":42}`)
	b.SetBytes(int64(len(payload)))

	i := 0
	b.StartTimer()
	for b.Loop() {
		if _, err := conn.PutRaw(ctx, fmt.Sprintf("users/%d", i), "Users", payload); err != nil {
			b.Fatalf("put: %v", err)
		}
		i++
	}
}

func BenchmarkGet(b *testing.B) {
	ctx, cancel := context.WithCancel(b.Context())
	defer cancel()

	b.StopTimer()
	conn := benchConn(b, ctx)

	payload := []byte(`{"name":"bench","age":42}`)
	if _, err := conn.PutRaw(ctx, "users/1", "Users", payload); err != nil {
		b.Fatalf("put: %v", err)
	}
	b.SetBytes(int64(len(payload)))

	b.StartTimer()
	for b.Loop() {
		if _, _, err := conn.GetRaw(ctx, "users/1"); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}
