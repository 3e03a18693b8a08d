package server

import (
	"context"
	"sync"
	"time"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/proto"
)

// holder represents one worker's live ownership of a subscription slot.
type holder struct {
	workerID string
	strategy raijin.SubscriptionOpeningStrategy

	// drop asks the owning session to terminate with the given reason.
	// force bypasses waiting for the in-flight batch cycle.
	drop func(reason *proto.Error, force bool)

	// done is closed by the owning session once the slot is released.
	done chan struct{}
}

type slot struct {
	mu     sync.Mutex
	holder *holder
	free   chan struct{}
}

// slots arbitrates subscription ownership between workers per the opening
// strategy each declares in its handshake. Arbitration is entirely
// server-side: clients only ever observe accept, a typed refusal, or a
// blocked handshake.
type slots struct {
	mu    sync.Mutex
	bySub map[string]*slot
}

func newSlots() *slots {
	return &slots{bySub: make(map[string]*slot)}
}

func (s *slots) get(name string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.bySub[name]
	if !ok {
		sl = &slot{free: make(chan struct{})}
		s.bySub[name] = sl
	}
	return sl
}

// acquire blocks until h owns the subscription, ctx ends, or the strategy
// forbids waiting. The returned error is the one the client should see.
func (s *slots) acquire(ctx context.Context, name string, h *holder, grace time.Duration) *proto.Error {
	sl := s.get(name)
	for {
		sl.mu.Lock()
		cur := sl.holder
		if cur == nil {
			sl.holder = h
			sl.mu.Unlock()
			return nil
		}

		switch h.strategy {
		case raijin.OpenIfFree:
			sl.mu.Unlock()
			return proto.NewError(proto.ErrTypeSubscriptionInUse,
				"subscription is occupied by worker "+cur.workerID)

		case raijin.WaitForFree:
			free := sl.free
			sl.mu.Unlock()
			select {
			case <-ctx.Done():
				return proto.NewError(proto.ErrTypeSubscriptionClosed, "canceled while waiting")
			case <-free:
			}

		case raijin.TakeOver, raijin.ForceAndKeep:
			if h.strategy == raijin.TakeOver && cur.strategy == raijin.ForceAndKeep {
				sl.mu.Unlock()
				return proto.NewError(proto.ErrTypeSubscriptionInUse,
					"subscription is held with force_and_keep")
			}
			done := cur.done
			sl.mu.Unlock()

			reason := proto.NewError(proto.ErrTypeSubscriptionSuperseded,
				"taken over by worker "+h.workerID)
			cur.drop(reason, false)
			select {
			case <-done:
			case <-time.After(grace):
				cur.drop(reason, true)
				select {
				case <-done:
				case <-ctx.Done():
					return proto.NewError(proto.ErrTypeSubscriptionClosed, "canceled while taking over")
				}
			case <-ctx.Done():
				return proto.NewError(proto.ErrTypeSubscriptionClosed, "canceled while taking over")
			}

		default:
			sl.mu.Unlock()
			return proto.NewError(proto.ErrTypeInternal, "unknown strategy: "+string(h.strategy))
		}
	}
}

// release frees the slot if h still owns it and wakes parked waiters.
func (s *slots) release(name string, h *holder) {
	sl := s.get(name)
	sl.mu.Lock()
	if sl.holder == h {
		sl.holder = nil
		close(sl.free)
		sl.free = make(chan struct{})
	}
	sl.mu.Unlock()
}

// drop evicts the current owner, if any, with the given reason, forcing
// the eviction after grace if the owner does not wind down in time.
func (s *slots) drop(name string, reason *proto.Error, grace time.Duration) bool {
	sl := s.get(name)
	sl.mu.Lock()
	cur := sl.holder
	sl.mu.Unlock()
	if cur == nil {
		return false
	}

	cur.drop(reason, false)
	go func() {
		select {
		case <-cur.done:
		case <-time.After(grace):
			cur.drop(reason, true)
		}
	}()
	return true
}
