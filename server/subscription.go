package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/observability"
	"github.com/ValerySidorin/raijin/internal/pool"
	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/quic-go/quic-go"
)

// session is one live subscription worker connection.
type session struct {
	name     string
	workerID string
	max      int

	str    quic.Stream
	out    *outbound
	cancel context.CancelFunc

	mu     sync.Mutex
	reason *proto.Error
	dropCh chan struct{}
	done   chan struct{}
}

// dropWith records the eviction reason once. A polite drop lets the loop
// finish its in-flight batch cycle; a forced one cancels the session
// context, killing blocked reads.
func (ss *session) dropWith(reason *proto.Error, force bool) {
	ss.mu.Lock()
	if ss.reason == nil {
		ss.reason = reason
		close(ss.dropCh)
	}
	ss.mu.Unlock()

	if force {
		ss.cancel()
	}
}

func (ss *session) dropReason() *proto.Error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.reason
}

func (s *Server) serveSubscription(ctx context.Context, str quic.Stream, params *proto.SubscribeParams) {
	defer func() {
		str.CancelRead(0x0)
		_ = str.Close()
	}()

	if params == nil || params.Subscription == "" {
		s.writeStreamError(str, proto.NewError(proto.ErrTypeInternal, "subscribe params required"))
		return
	}
	strategy := raijin.SubscriptionOpeningStrategy(params.Strategy)
	if strategy == "" {
		strategy = raijin.OpenIfFree
	}
	switch strategy {
	case raijin.OpenIfFree, raijin.WaitForFree, raijin.TakeOver, raijin.ForceAndKeep:
	default:
		s.writeStreamError(str, proto.NewError(proto.ErrTypeInternal, "unknown strategy: "+params.Strategy))
		return
	}

	view, err := s.subs.View(params.Subscription)
	if err != nil {
		s.writeStreamError(str, wireError(err))
		return
	}
	if view.Disabled {
		s.writeStreamError(str, proto.NewError(proto.ErrTypeSubscriptionClosed, "subscription is disabled"))
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss := &session{
		name:     params.Subscription,
		workerID: params.WorkerID,
		max:      s.batchLimit(params.MaxDocsPerBatch),
		str:      str,
		cancel:   cancel,
		dropCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	h := &holder{
		workerID: params.WorkerID,
		strategy: strategy,
		drop:     ss.dropWith,
		done:     ss.done,
	}

	if perr := s.slots.acquire(sctx, params.Subscription, h, s.conf.TakeoverGracePeriod); perr != nil {
		s.writeStreamError(str, perr)
		return
	}

	go func() {
		<-sctx.Done()
		str.CancelRead(0x0)
	}()

	s.subs.TouchConnection(params.Subscription)

	ss.out = newOutbound(str, s.conf.WriteDeadline, s.l)
	go ss.out.writeLoop()
	defer ss.out.close()

	// Released before the outbound flushes any terminal frame, so a client
	// reacting to it never races a still held slot.
	defer func() {
		s.slots.release(params.Subscription, h)
		close(ss.done)
	}()

	observability.IncSubscriptionConnections(1)
	defer observability.IncSubscriptionConnections(-1)

	l := s.l.With("subscription", params.Subscription, "worker_id", params.WorkerID)
	l.Info("subscription connected", "strategy", string(strategy))
	defer l.Info("subscription disconnected")

	if err := s.sendMsg(ss, &proto.ServerMessage{
		Type:   proto.MsgConnectionStatus,
		Status: &proto.ConnectionStatus{Accepted: true},
	}); err != nil {
		l.Error("send connection status", "err", err)
		return
	}

	s.streamLoop(sctx, ss, l)
}

// streamLoop runs the batch cycle: scan from the durable cursor, send,
// await the acknowledgment, confirm. The registry is re-read every
// iteration so live query updates, disabling and deletion take effect on
// the next batch.
func (s *Server) streamLoop(ctx context.Context, ss *session, l *slog.Logger) {
	hb := time.NewTicker(s.conf.HeartbeatInterval)
	defer hb.Stop()

	for {
		if reason := ss.dropReason(); reason != nil {
			s.terminate(ss, reason)
			return
		}
		if ctx.Err() != nil {
			return
		}

		view, err := s.subs.View(ss.name)
		if err != nil {
			s.terminate(ss, wireError(err))
			return
		}
		if view.Disabled {
			s.terminate(ss, proto.NewError(proto.ErrTypeSubscriptionClosed, "subscription is disabled"))
			return
		}

		// Arm the watch before scanning: a mutation landing between the
		// scan and the select still wakes the loop.
		watch := s.store.Watch()
		docs, last := s.store.Scan(view.Query, view.Cursor, ss.max)

		if len(docs) == 0 && last == view.Cursor {
			select {
			case <-ctx.Done():
				return
			case <-ss.dropCh:
			case <-watch:
			case <-hb.C:
				if !s.deliver(ctx, ss, &proto.Batch{
					Heartbeat:    true,
					ChangeVector: s.store.ChangeVector(view.Cursor),
				}, l) {
					return
				}
			}
			continue
		}

		items := make([]proto.BatchItem, len(docs))
		for i, d := range docs {
			items[i] = proto.BatchItem{ID: d.ID, ChangeVector: d.ChangeVector, Data: d.Data}
		}
		if !s.deliver(ctx, ss, &proto.Batch{
			Items:        items,
			ChangeVector: s.store.ChangeVector(last),
		}, l) {
			return
		}
	}
}

// deliver sends one batch and blocks until the client acknowledges it,
// then records the cursor and confirms. Returns false when the stream is
// finished.
func (s *Server) deliver(ctx context.Context, ss *session, batch *proto.Batch, l *slog.Logger) bool {
	if err := s.sendMsg(ss, &proto.ServerMessage{Type: proto.MsgBatch, Batch: batch}); err != nil {
		l.Error("send batch", "err", err)
		return false
	}
	observability.IncBatchesSent()
	observability.AddDocumentsSent(len(batch.Items))

	var msg proto.ClientMessage
	if err := proto.ReadFrame(ss.str, proto.DefaultMaxFrameSize, &msg); err != nil {
		if !errors.Is(err, io.EOF) && ctx.Err() == nil {
			l.Error("read ack", "err", err)
		}
		return false
	}
	if msg.Type != proto.MsgAck {
		s.terminate(ss, proto.NewError(proto.ErrTypeInternal, "unexpected message: "+msg.Type))
		return false
	}

	if err := s.subs.Ack(ss.name, msg.ChangeVector); err != nil {
		s.terminate(ss, wireError(err))
		return false
	}
	observability.IncAcks()

	if err := s.sendMsg(ss, &proto.ServerMessage{
		Type:    proto.MsgConfirm,
		Confirm: &proto.Confirm{ChangeVector: msg.ChangeVector},
	}); err != nil {
		l.Error("send confirm", "err", err)
		return false
	}
	s.subs.TouchConnection(ss.name)
	return true
}

func (s *Server) terminate(ss *session, reason *proto.Error) {
	if err := s.sendMsg(ss, &proto.ServerMessage{Type: proto.MsgError, Error: reason}); err != nil {
		s.l.Error("send terminal error", "err", err)
	}
}

func (s *Server) sendMsg(ss *session, msg *proto.ServerMessage) error {
	buf, err := proto.EncodeFrame(msg)
	if err != nil {
		return err
	}
	ss.out.enqueue(buf)
	pool.Put(buf)
	return nil
}

func (s *Server) batchLimit(requested int) int {
	if requested <= 0 || requested > s.conf.MaxDocsPerBatchLimit {
		return s.conf.MaxDocsPerBatchLimit
	}
	return requested
}

func (s *Server) writeStreamError(str quic.Stream, perr *proto.Error) {
	_ = str.SetWriteDeadline(time.Now().Add(s.conf.WriteDeadline))
	if err := proto.WriteFrame(str, &proto.ServerMessage{Type: proto.MsgError, Error: perr}); err != nil {
		s.l.Error("write stream error", "err", err)
	}
}
