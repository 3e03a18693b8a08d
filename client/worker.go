package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// SubscriptionWorkerOptions configures one worker. Immutable for the life
// of the worker.
type SubscriptionWorkerOptions struct {
	SubscriptionName string
	Strategy         raijin.SubscriptionOpeningStrategy

	// MaxDocsPerBatch caps how many documents the server packs into one
	// batch.
	MaxDocsPerBatch int

	// IgnoreSubscriberErrors keeps the worker streaming and acknowledging
	// when the handler returns an error.
	IgnoreSubscriberErrors bool

	TimeToWaitBeforeConnectionRetry time.Duration

	// MaxErroneousPeriod bounds how long consecutive transport failures
	// may accumulate before the worker faults.
	MaxErroneousPeriod time.Duration
}

func (o *SubscriptionWorkerOptions) ValidateAndSetDefaults() error {
	if o.SubscriptionName == "" {
		return ErrEmptySubscriptionName
	}

	if o.Strategy == "" {
		o.Strategy = raijin.OpenIfFree
	}
	switch o.Strategy {
	case raijin.OpenIfFree, raijin.WaitForFree, raijin.TakeOver, raijin.ForceAndKeep:
	default:
		return fmt.Errorf("unknown strategy: %s", o.Strategy)
	}

	if o.MaxDocsPerBatch <= 0 {
		o.MaxDocsPerBatch = 4096
	}
	if o.TimeToWaitBeforeConnectionRetry <= 0 {
		o.TimeToWaitBeforeConnectionRetry = 5 * time.Second
	}
	if o.MaxErroneousPeriod <= 0 {
		o.MaxErroneousPeriod = 5 * time.Minute
	}

	return nil
}

// SubscriptionWorker streams batches of T from one subscription, invoking
// the handler per batch and acknowledging after it returns. A worker owns
// one dedicated QUIC connection at a time and runs at most once.
type SubscriptionWorker[T any] struct {
	conn *Conn
	opts SubscriptionWorkerOptions
	id   string

	retryCb func(error)
	ackCb   func(*SubscriptionBatch[T])

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	closed atomic.Bool

	l *slog.Logger
}

func NewSubscriptionWorker[T any](conn *Conn, opts SubscriptionWorkerOptions) (*SubscriptionWorker[T], error) {
	if conn == nil || conn.closed.Load() {
		return nil, ErrConnClosed
	}
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validate options: %w", err)
	}

	return &SubscriptionWorker[T]{
		conn: conn,
		opts: opts,
		id:   uuid.NewString(),
		l:    conn.l.With("subscription", opts.SubscriptionName),
	}, nil
}

func (w *SubscriptionWorker[T]) ID() string {
	return w.id
}

// OnConnectionRetry registers a callback invoked with the causing error
// before each reconnection attempt. Register before Run.
func (w *SubscriptionWorker[T]) OnConnectionRetry(fn func(error)) {
	w.retryCb = fn
}

// AfterAcknowledgment registers a callback invoked once a batch's
// acknowledgment has been confirmed by the server. Register before Run.
func (w *SubscriptionWorker[T]) AfterAcknowledgment(fn func(*SubscriptionBatch[T])) {
	w.ackCb = fn
}

// Run starts the worker and returns immediately with the handle
// representing its eventual completion.
func (w *SubscriptionWorker[T]) Run(ctx context.Context, handler func(*SubscriptionBatch[T]) error) (*RunHandle, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, ErrWorkerAlreadyRunning
	}
	w.started = true
	rctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	h := newRunHandle()
	go w.run(rctx, handler, h)
	return h, nil
}

// Close stops the worker. It never interrupts a handler invocation already
// in flight, but prevents any further batch dispatch and unblocks pending
// negotiation or backoff waits. The run handle completes without error
// unless the worker already faulted. Close is idempotent.
func (w *SubscriptionWorker[T]) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (w *SubscriptionWorker[T]) run(ctx context.Context, handler func(*SubscriptionBatch[T]) error, h *RunHandle) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.TimeToWaitBeforeConnectionRetry
	bo.MaxElapsedTime = w.opts.MaxErroneousPeriod
	bo.Reset()

	for {
		err := w.connectAndProcess(ctx, handler, bo)

		if w.closed.Load() || ctx.Err() != nil {
			h.settle(nil)
			return
		}

		var serr *Error
		if errors.As(err, &serr) || errors.Is(err, ErrSubscriberError) {
			h.settle(err)
			return
		}

		if w.retryCb != nil {
			w.retryCb(err)
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			h.settle(fmt.Errorf("%w: connection retries exhausted: %w", ErrSubscriptionInvalidState, err))
			return
		}
		w.l.Warn("subscription connection lost, reconnecting", "err", err, "backoff", d)

		select {
		case <-ctx.Done():
			h.settle(nil)
			return
		case <-time.After(d):
		}
	}
}

// connectAndProcess dials, negotiates the opening strategy and runs the
// batch cycle until the stream ends. It always returns a non-nil error
// describing why.
func (w *SubscriptionWorker[T]) connectAndProcess(ctx context.Context, handler func(*SubscriptionBatch[T]) error, bo *backoff.ExponentialBackOff) error {
	qconn, err := w.conn.dial(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads on the stream are not context aware. Closing the connection
	// unblocks them, including a handshake parked by wait_for_free.
	go func() {
		<-cctx.Done()
		_ = qconn.CloseWithError(0x0, "")
	}()

	str, err := qconn.OpenStreamSync(cctx)
	if err != nil {
		return fmt.Errorf("quic: open stream: %w", err)
	}

	if err := w.write(str, &proto.Request{
		Op: proto.OpSubscribe,
		Subscribe: &proto.SubscribeParams{
			Subscription:    w.opts.SubscriptionName,
			Strategy:        string(w.opts.Strategy),
			WorkerID:        w.id,
			MaxDocsPerBatch: w.opts.MaxDocsPerBatch,
		},
	}); err != nil {
		return err
	}

	var msg proto.ServerMessage
	if err := proto.ReadFrame(str, proto.DefaultMaxFrameSize, &msg); err != nil {
		return fmt.Errorf("read connection status: %w", err)
	}
	switch msg.Type {
	case proto.MsgConnectionStatus:
		if msg.Status == nil || !msg.Status.Accepted {
			return errors.New("connection not accepted")
		}
	case proto.MsgError:
		return errFromWire(msg.Error)
	default:
		return fmt.Errorf("unexpected message: %s", msg.Type)
	}

	w.l.Info("subscription connection accepted", "strategy", string(w.opts.Strategy))
	bo.Reset()

	for {
		var msg proto.ServerMessage
		if err := proto.ReadFrame(str, proto.DefaultMaxFrameSize, &msg); err != nil {
			return err
		}

		switch msg.Type {
		case proto.MsgBatch:
			if msg.Batch == nil {
				return errors.New("batch frame without payload")
			}
			if err := w.processBatch(cctx, str, msg.Batch, handler); err != nil {
				return err
			}
		case proto.MsgError:
			return errFromWire(msg.Error)
		default:
			return fmt.Errorf("unexpected message: %s", msg.Type)
		}
	}
}

// processBatch runs one batch cycle: handler, acknowledgment, confirm.
func (w *SubscriptionWorker[T]) processBatch(ctx context.Context, str quic.Stream, wb *proto.Batch, handler func(*SubscriptionBatch[T]) error) error {
	batch := batchFromWire[T](wb)

	// Heartbeats and filtered-out-only batches carry no items; they are
	// acknowledged without invoking the handler.
	if len(batch.Items) > 0 {
		if err := handler(batch); err != nil {
			if !w.opts.IgnoreSubscriberErrors {
				return fmt.Errorf("%w: %w", ErrSubscriberError, err)
			}
			w.l.Error("subscriber error ignored", "err", err)
		}
	}

	if w.closed.Load() || ctx.Err() != nil {
		return ErrWorkerClosed
	}

	if err := w.write(str, &proto.ClientMessage{
		Type:         proto.MsgAck,
		ChangeVector: wb.ChangeVector,
	}); err != nil {
		return err
	}

	var msg proto.ServerMessage
	if err := proto.ReadFrame(str, proto.DefaultMaxFrameSize, &msg); err != nil {
		return fmt.Errorf("read confirm: %w", err)
	}
	switch msg.Type {
	case proto.MsgConfirm:
	case proto.MsgError:
		return errFromWire(msg.Error)
	default:
		return fmt.Errorf("unexpected message: %s", msg.Type)
	}

	if w.ackCb != nil {
		w.ackCb(batch)
	}
	return nil
}

func (w *SubscriptionWorker[T]) write(str quic.Stream, v any) error {
	_ = str.SetWriteDeadline(time.Now().Add(w.conn.wdl))
	return proto.WriteFrame(str, v)
}
