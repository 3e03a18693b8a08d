package client

import (
	"context"
	"errors"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/cenkalti/backoff/v4"
)

// Subscriptions is the subscription administration facade of a Conn.
type Subscriptions struct {
	c *Conn
}

func (c *Conn) Subscriptions() *Subscriptions {
	return &Subscriptions{c: c}
}

// Create registers a new subscription and returns its server-assigned name.
func (s *Subscriptions) Create(ctx context.Context, opts raijin.SubscriptionCreationOptions) (string, error) {
	var name string
	err := s.retry(ctx, func() error {
		resp, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionCreate, Create: &opts})
		if err != nil {
			return err
		}
		name = resp.Name
		return nil
	})
	return name, err
}

// CreateForType registers a subscription over the collection derived from
// T, with the default query.
func CreateForType[T any](ctx context.Context, c *Conn, name string, includes ...string) (string, error) {
	return c.Subscriptions().Create(ctx, raijin.SubscriptionCreationOptions{
		Name:  name,
		Query: raijin.DefaultQuery[T](includes...),
	})
}

// Update replaces the query of an existing subscription, resolved by name
// or key. Updating with an identical query succeeds and reports not
// modified.
func (s *Subscriptions) Update(ctx context.Context, opts raijin.SubscriptionUpdateOptions) (raijin.SubscriptionState, bool, error) {
	var (
		state       raijin.SubscriptionState
		notModified bool
	)
	err := s.retry(ctx, func() error {
		resp, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionUpdate, Update: &opts})
		if err != nil {
			return err
		}
		if resp.State != nil {
			state = *resp.State
		}
		notModified = resp.NotModified
		return nil
	})
	return state, notModified, err
}

// GetSubscriptions lists subscriptions in id order with offset pagination.
func (s *Subscriptions) GetSubscriptions(ctx context.Context, start, pageSize int) ([]raijin.SubscriptionState, error) {
	var states []raijin.SubscriptionState
	err := s.retry(ctx, func() error {
		resp, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionList, Start: start, PageSize: pageSize})
		if err != nil {
			return err
		}
		states = resp.States
		return nil
	})
	return states, err
}

func (s *Subscriptions) GetSubscriptionState(ctx context.Context, name string) (raijin.SubscriptionState, error) {
	var state raijin.SubscriptionState
	err := s.retry(ctx, func() error {
		resp, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionState, Name: name})
		if err != nil {
			return err
		}
		if resp.State != nil {
			state = *resp.State
		}
		return nil
	})
	return state, err
}

func (s *Subscriptions) Enable(ctx context.Context, name string) error {
	return s.retry(ctx, func() error {
		_, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionEnable, Name: name})
		return err
	})
}

// Disable marks the subscription disabled and severs any attached worker.
func (s *Subscriptions) Disable(ctx context.Context, name string) error {
	return s.retry(ctx, func() error {
		_, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionDisable, Name: name})
		return err
	})
}

// Delete removes the subscription and its durable cursor.
func (s *Subscriptions) Delete(ctx context.Context, name string) error {
	return s.retry(ctx, func() error {
		_, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionDelete, Name: name})
		return err
	})
}

// DropConnection evicts whichever worker currently holds the subscription
// without deleting it.
func (s *Subscriptions) DropConnection(ctx context.Context, name string) error {
	return s.retry(ctx, func() error {
		_, err := s.c.do(ctx, &proto.Request{Op: proto.OpSubscriptionDrop, Name: name})
		return err
	})
}

// retry reruns fn on transport failures. Server-reported errors surface
// immediately: the server already gave its answer.
func (s *Subscriptions) retry(ctx context.Context, fn func() error) error {
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsServerError(err) || errors.Is(err, ErrConnClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.c.timeout
	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}
