package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValerySidorin/raijin/internal/observability"
	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/ValerySidorin/raijin/internal/store"
	"github.com/quic-go/quic-go"
)

// handleStream serves one accepted stream: a single request/response
// exchange, or the subscription flow if the request subscribes.
func (s *Server) handleStream(ctx context.Context, str quic.Stream) {
	observability.IncStreams(1)
	defer observability.IncStreams(-1)

	var req proto.Request
	if err := proto.ReadFrame(str, proto.DefaultMaxFrameSize, &req); err != nil {
		if !errors.Is(err, io.EOF) {
			s.l.Error("read request", "err", err)
			observability.IncError("read_request")
		}
		str.CancelRead(0x0)
		_ = str.Close()
		return
	}

	if req.Op == proto.OpSubscribe {
		s.serveSubscription(ctx, str, req.Subscribe)
		return
	}

	resp := s.handleOp(ctx, &req)
	_ = str.SetWriteDeadline(time.Now().Add(s.conf.WriteDeadline))
	if err := proto.WriteFrame(str, resp); err != nil {
		s.l.Error("write response", "err", err, "op", req.Op)
		observability.IncError("write_response")
	}
	str.CancelRead(0x0)
	_ = str.Close()
}

func (s *Server) handleOp(ctx context.Context, req *proto.Request) *proto.Response {
	observability.IncOp(string(req.Op))
	_, span := observability.Tracer().Start(ctx, string(req.Op))
	defer span.End()

	switch req.Op {
	case proto.OpPut:
		doc, err := s.store.Put(req.ID, req.Collection, req.Data)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true, ChangeVector: doc.ChangeVector}

	case proto.OpGet:
		doc, err := s.store.Get(req.ID)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true, Data: doc.Data, ChangeVector: doc.ChangeVector}

	case proto.OpDelete:
		if err := s.store.Delete(req.ID); err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true}

	case proto.OpStats:
		stats := s.store.Stats(s.subs.Count())
		return &proto.Response{OK: true, Stats: &stats}

	case proto.OpSubscriptionCreate:
		if req.Create == nil {
			return errResponse(req.Op, errors.New("create options required"))
		}
		state, err := s.subs.Create(*req.Create)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true, Name: state.SubscriptionName, Key: state.SubscriptionID, State: &state}

	case proto.OpSubscriptionUpdate:
		if req.Update == nil {
			return errResponse(req.Op, errors.New("update options required"))
		}
		state, notModified, err := s.subs.Update(*req.Update)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{
			OK:          true,
			Name:        state.SubscriptionName,
			Key:         state.SubscriptionID,
			NotModified: notModified,
			State:       &state,
		}

	case proto.OpSubscriptionList:
		return &proto.Response{OK: true, States: s.subs.List(req.Start, req.PageSize)}

	case proto.OpSubscriptionState:
		state, err := s.subs.State(req.Name)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true, State: &state}

	case proto.OpSubscriptionEnable:
		state, err := s.subs.SetDisabled(req.Name, false)
		if err != nil {
			return errResponse(req.Op, err)
		}
		return &proto.Response{OK: true, State: &state}

	case proto.OpSubscriptionDisable:
		state, err := s.subs.SetDisabled(req.Name, true)
		if err != nil {
			return errResponse(req.Op, err)
		}
		s.slots.drop(req.Name,
			proto.NewError(proto.ErrTypeSubscriptionClosed, "subscription disabled"),
			s.conf.TakeoverGracePeriod)
		return &proto.Response{OK: true, State: &state}

	case proto.OpSubscriptionDelete:
		if err := s.subs.Delete(req.Name); err != nil {
			return errResponse(req.Op, err)
		}
		s.slots.drop(req.Name,
			proto.NewError(proto.ErrTypeSubscriptionDoesNotExist, "subscription deleted"),
			s.conf.TakeoverGracePeriod)
		return &proto.Response{OK: true}

	case proto.OpSubscriptionDrop:
		if _, err := s.subs.State(req.Name); err != nil {
			return errResponse(req.Op, err)
		}
		s.slots.drop(req.Name,
			proto.NewError(proto.ErrTypeSubscriptionClosed, "connection dropped by admin"),
			s.conf.TakeoverGracePeriod)
		return &proto.Response{OK: true}

	default:
		return errResponse(req.Op, fmt.Errorf("unknown op: %s", req.Op))
	}
}

func errResponse(op proto.Op, err error) *proto.Response {
	observability.IncError(string(op))
	return &proto.Response{Error: wireError(err)}
}

// wireError maps internal errors to typed wire errors, passing through
// errors that are already typed.
func wireError(err error) *proto.Error {
	var perr *proto.Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, store.ErrSubNotFound):
		return proto.NewError(proto.ErrTypeSubscriptionDoesNotExist, err.Error())
	case errors.Is(err, store.ErrSubAlreadyExists):
		return proto.NewError(proto.ErrTypeSubscriptionAlreadyExists, err.Error())
	case errors.Is(err, store.ErrSubAmbiguous):
		return proto.NewError(proto.ErrTypeSubscriptionAmbiguousTarget, err.Error())
	case errors.Is(err, store.ErrInvalidQuery):
		return proto.NewError(proto.ErrTypeInvalidQuery, err.Error())
	case errors.Is(err, store.ErrDocNotFound):
		return proto.NewError(proto.ErrTypeDocumentNotFound, err.Error())
	default:
		return proto.NewError(proto.ErrTypeInternal, err.Error())
	}
}
