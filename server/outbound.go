package server

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/raijin/internal/pool"
	"github.com/quic-go/quic-go"
)

const (
	maxBufSize    = 65536
	maxVectorSize = 1024
)

// outbound is the write queue of one subscription stream. Enqueued frames
// are coalesced into pooled buffers and flushed by a dedicated writeLoop
// goroutine with vectored writes, so the batch loop and eviction signals
// never block on the network.
type outbound struct {
	v      net.Buffers // vector
	wv     net.Buffers // working vector
	wdl    time.Duration
	c      *sync.Cond
	pb     int64 // pending bytes
	mu     sync.Mutex
	str    quic.SendStream
	closed atomic.Bool
	done   chan struct{}
	l      *slog.Logger
}

func newOutbound(str quic.SendStream, wdl time.Duration, l *slog.Logger) *outbound {
	o := &outbound{
		str:  str,
		wdl:  wdl,
		done: make(chan struct{}),
		l:    l,
	}
	o.c = sync.NewCond(&o.mu)
	return o
}

func (o *outbound) writeLoop() {
	defer close(o.done)

	waitOK := true
	var closed bool

	for {
		o.mu.Lock()
		if closed = o.isClosed(); !closed {
			if waitOK && (o.pb == 0 || o.pb < maxBufSize) {
				o.c.Wait()
				closed = o.isClosed()
			}
		}

		if closed {
			o.flush()
			o.mu.Unlock()
			return
		}

		waitOK = o.flush()
		o.mu.Unlock()
	}
}

// enqueue copies data into the queue and signals the write loop. The
// caller keeps ownership of data.
func (o *outbound) enqueue(data []byte) {
	if o.isClosed() {
		return
	}

	o.mu.Lock()
	o.pb += int64(len(data))
	toBuffer := data
	if len(o.v) > 0 {
		last := &o.v[len(o.v)-1]
		if free := cap(*last) - len(*last); free > 0 {
			if l := len(toBuffer); l < free {
				free = l
			}
			*last = append(*last, toBuffer[:free]...)
			toBuffer = toBuffer[free:]
		}
	}
	for len(toBuffer) > 0 {
		fresh := pool.Get(len(toBuffer))
		n := copy(fresh[:cap(fresh)], toBuffer)
		o.v = append(o.v, fresh[:n])
		toBuffer = toBuffer[n:]
	}
	o.mu.Unlock()

	o.c.Signal()
}

// flush writes the detached vector to the stream, recycling fully written
// buffers. Called with o.mu held.
func (o *outbound) flush() bool {
	defer func() {
		if o.isClosed() {
			for i := range o.wv {
				pool.Put(o.wv[i])
			}
			o.wv = nil
		}
	}()

	if o.str == nil || o.pb == 0 {
		return true
	}

	detached := o.v
	o.v = nil

	o.wv = append(o.wv, detached...)
	var origArr [maxVectorSize][]byte
	orig := append(origArr[:0], o.wv...)

	startOfWv := o.wv[0:]
	start := time.Now()

	var n int64
	for len(o.wv) > 0 {
		wv := o.wv
		if len(wv) > maxVectorSize {
			wv = wv[:maxVectorSize]
		}
		consumed := len(wv)

		if o.wdl > 0 {
			_ = o.str.SetWriteDeadline(start.Add(o.wdl))
		}
		wn, err := wv.WriteTo(o.str)
		_ = o.str.SetWriteDeadline(time.Time{})

		n += wn
		o.wv = o.wv[consumed-len(wv):]
		if err != nil {
			o.l.Error("write buffers", "err", err)
			break
		}
	}

	for i := 0; i < len(orig)-len(o.wv); i++ {
		pool.Put(orig[i])
	}

	o.wv = append(startOfWv[:0], o.wv...)

	o.pb -= n

	// Bytes left queued mean the loop must flush again before waiting,
	// or the signal raced ahead of the wait.
	return o.pb == 0
}

func (o *outbound) isClosed() bool {
	return o.closed.Load()
}

// close blocks until the write loop has flushed everything enqueued before
// it, so terminal frames reach the stream ahead of its closure.
func (o *outbound) close() {
	o.closed.Store(true)
	o.c.Broadcast()
	<-o.done
}
