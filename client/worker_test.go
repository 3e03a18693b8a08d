package client_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWorker struct {
	w      *client.SubscriptionWorker[user]
	handle *client.RunHandle
	acks   chan *client.SubscriptionBatch[user]
}

// startNopWorker runs a worker with a no-op handler. Acknowledged batches,
// heartbeats included, land on acks, so awaitAck doubles as a "connected
// and streaming" barrier.
func startNopWorker(t *testing.T, ctx context.Context, conn *client.Conn, name string, strategy raijin.SubscriptionOpeningStrategy) *testWorker {
	t.Helper()

	w, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
		Strategy:         strategy,
	})
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	acks := make(chan *client.SubscriptionBatch[user], 1)
	w.AfterAcknowledgment(func(b *client.SubscriptionBatch[user]) {
		select {
		case acks <- b:
		default:
		}
	})

	handle, err := w.Run(ctx, func(*client.SubscriptionBatch[user]) error { return nil })
	if err != nil {
		t.Fatalf("failed to run worker: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	return &testWorker{w: w, handle: handle, acks: acks}
}

func (tw *testWorker) awaitAck(t *testing.T) {
	t.Helper()
	select {
	case <-tw.acks:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an acknowledged batch")
	}
}

func awaitDone(t *testing.T, h *client.RunHandle) error {
	t.Helper()
	select {
	case <-h.Done():
		return h.Err()
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the worker to finish")
		return nil
	}
}

func awaitItem(t *testing.T, items <-chan client.SubscriptionBatchItem[user]) client.SubscriptionBatchItem[user] {
	t.Helper()
	select {
	case item := <-items:
		return item
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a document")
		return client.SubscriptionBatchItem[user]{}
	}
}

func TestSubscriptionWorkerDeliversDocuments(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "users-feed")
	require.NoError(t, err)

	docs := []struct {
		id string
		u  user
	}{
		{"users/1", user{Name: "Alice", Age: 31}},
		{"users/12", user{Name: "Bob", Age: 27}},
		{"users/3", user{Name: "Carol", Age: 25}},
	}
	for _, doc := range docs {
		_, err := client.Put(ctx, conn, doc.id, &doc.u)
		require.NoError(t, err)
	}

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
	})
	require.NoError(t, err)
	defer worker.Close()

	items := make(chan client.SubscriptionBatchItem[user], 16)
	handle, err := worker.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		for _, item := range batch.Items {
			items <- item
		}
		return nil
	})
	require.NoError(t, err)

	for _, doc := range docs {
		item := awaitItem(t, items)
		require.NoError(t, item.Err)
		require.NotNil(t, item.Result)
		assert.Equal(t, doc.id, item.ID)
		assert.Equal(t, doc.u.Age, item.Result.Age)
		assert.NotEmpty(t, item.ChangeVector)
	}

	// Documents put while the worker is live keep flowing.
	_, err = client.Put(ctx, conn, "users/4", &user{Name: "Dave", Age: 40})
	require.NoError(t, err)
	item := awaitItem(t, items)
	require.NoError(t, item.Err)
	assert.Equal(t, "users/4", item.ID)

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerMatchesCriteria(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	_, err := conn.Subscriptions().Create(ctx, raijin.SubscriptionCreationOptions{
		Name:  "minors",
		Query: "from 'users' where age < 18",
	})
	require.NoError(t, err)

	// Only users/2 and users/4 match: the others fail the predicate or
	// live in another collection.
	_, err = client.Put(ctx, conn, "users/1", &user{Name: "Alice", Age: 31})
	require.NoError(t, err)
	_, err = client.Put(ctx, conn, "users/2", &user{Name: "Bob", Age: 12})
	require.NoError(t, err)
	_, err = conn.PutRaw(ctx, "companies/1", "companies", []byte(`{"name":"Initech","age":3}`))
	require.NoError(t, err)
	_, err = client.Put(ctx, conn, "users/4", &user{Name: "Carol", Age: 16})
	require.NoError(t, err)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: "minors",
	})
	require.NoError(t, err)
	defer worker.Close()

	items := make(chan client.SubscriptionBatchItem[user], 16)
	handle, err := worker.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		for _, item := range batch.Items {
			items <- item
		}
		return nil
	})
	require.NoError(t, err)

	first := awaitItem(t, items)
	assert.Equal(t, "users/2", first.ID)
	second := awaitItem(t, items)
	assert.Equal(t, "users/4", second.ID)

	// A non-matching write advances the cursor without producing an item;
	// a matching one behind it still comes through.
	_, err = client.Put(ctx, conn, "users/5", &user{Name: "Dave", Age: 40})
	require.NoError(t, err)
	_, err = client.Put(ctx, conn, "users/6", &user{Name: "Eve", Age: 9})
	require.NoError(t, err)

	item := awaitItem(t, items)
	require.NoError(t, item.Err)
	require.NotNil(t, item.Result)
	assert.Equal(t, "users/6", item.ID)
	assert.Equal(t, 9, item.Result.Age)

	// Delivery is ordered, so nothing filtered out can surface later.
	select {
	case item := <-items:
		t.Fatalf("unexpected document %s delivered", item.ID)
	default:
	}

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerBatchLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "paged")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := client.Put(ctx, conn, fmt.Sprintf("users/%d", i), &user{Name: "u", Age: i})
		require.NoError(t, err)
	}

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
		MaxDocsPerBatch:  25,
	})
	require.NoError(t, err)
	defer worker.Close()

	sizes := make(chan int, 16)
	handle, err := worker.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		sizes <- batch.NumberOfItems()
		return nil
	})
	require.NoError(t, err)

	var got []int
	total := 0
	for total < 100 {
		select {
		case n := <-sizes:
			got = append(got, n)
			total += n
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out: delivered %d of 100 documents", total)
		}
	}
	assert.Equal(t, []int{25, 25, 25, 25}, got)

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerAcknowledgmentOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "ordered")
	require.NoError(t, err)

	_, err = client.Put(ctx, conn, "users/1", &user{Name: "Alice", Age: 31})
	require.NoError(t, err)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
	})
	require.NoError(t, err)
	defer worker.Close()

	events := make(chan string, 8)
	worker.AfterAcknowledgment(func(b *client.SubscriptionBatch[user]) {
		if b.NumberOfItems() > 0 {
			events <- "ack"
		}
	})

	handle, err := worker.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		events <- "handler"
		return nil
	})
	require.NoError(t, err)

	for _, want := range []string{"handler", "ack"} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	state, err := conn.Subscriptions().GetSubscriptionState(ctx, name)
	require.NoError(t, err)
	assert.NotEmpty(t, state.ChangeVectorForNextBatchStartingPoint)
	assert.False(t, state.LastBatchAckTime.IsZero())
	assert.False(t, state.LastClientConnectionTime.IsZero())

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerSubscriberError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "strict")
	require.NoError(t, err)

	_, err = client.Put(ctx, conn, "users/1", &user{Name: "Alice", Age: 31})
	require.NoError(t, err)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
	})
	require.NoError(t, err)

	handle, err := worker.Run(ctx, func(*client.SubscriptionBatch[user]) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	err = awaitDone(t, handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrSubscriberError)
	assert.Contains(t, err.Error(), "boom")

	// The failed batch was never acknowledged.
	state, err := conn.Subscriptions().GetSubscriptionState(ctx, name)
	require.NoError(t, err)
	assert.Empty(t, state.ChangeVectorForNextBatchStartingPoint)

	// A fresh worker picks the same batch up again. wait_for_free absorbs
	// the window in which the server is still tearing the old session down.
	second, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
		Strategy:         raijin.WaitForFree,
	})
	require.NoError(t, err)
	defer second.Close()

	acked := make(chan struct{}, 1)
	second.AfterAcknowledgment(func(b *client.SubscriptionBatch[user]) {
		if b.NumberOfItems() > 0 {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	})

	items := make(chan client.SubscriptionBatchItem[user], 16)
	secondHandle, err := second.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		for _, item := range batch.Items {
			items <- item
		}
		return nil
	})
	require.NoError(t, err)

	item := awaitItem(t, items)
	assert.Equal(t, "users/1", item.ID)

	select {
	case <-acked:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the redelivered batch to be acknowledged")
	}

	state, err = conn.Subscriptions().GetSubscriptionState(ctx, name)
	require.NoError(t, err)
	assert.NotEmpty(t, state.ChangeVectorForNextBatchStartingPoint)

	require.NoError(t, second.Close())
	assert.NoError(t, secondHandle.Wait())
}

func TestSubscriptionWorkerIgnoreSubscriberErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "lenient")
	require.NoError(t, err)

	_, err = client.Put(ctx, conn, "users/1", &user{Name: "Alice", Age: 31})
	require.NoError(t, err)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName:       name,
		IgnoreSubscriberErrors: true,
	})
	require.NoError(t, err)
	defer worker.Close()

	acked := make(chan struct{}, 1)
	worker.AfterAcknowledgment(func(b *client.SubscriptionBatch[user]) {
		if b.NumberOfItems() > 0 {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	})

	handle, err := worker.Run(ctx, func(*client.SubscriptionBatch[user]) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	select {
	case <-acked:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the failed batch to be acknowledged")
	}

	// The handler error neither stopped the worker nor blocked progress.
	assert.NoError(t, handle.Err())

	state, err := conn.Subscriptions().GetSubscriptionState(ctx, name)
	require.NoError(t, err)
	assert.NotEmpty(t, state.ChangeVectorForNextBatchStartingPoint)

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerDeserializationError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	name, err := client.CreateForType[user](ctx, conn, "mixed")
	require.NoError(t, err)

	_, err = conn.PutRaw(ctx, "users/1", "users", []byte(`{"name":"Alice","age":"thirty"}`))
	require.NoError(t, err)
	_, err = conn.PutRaw(ctx, "users/2", "users", []byte(`{"name":"Bob","age":27}`))
	require.NoError(t, err)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: name,
	})
	require.NoError(t, err)
	defer worker.Close()

	batches := make(chan *client.SubscriptionBatch[user], 4)
	handle, err := worker.Run(ctx, func(batch *client.SubscriptionBatch[user]) error {
		batches <- batch
		return nil
	})
	require.NoError(t, err)

	var batch *client.SubscriptionBatch[user]
	select {
	case batch = <-batches:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}

	require.Equal(t, 2, batch.NumberOfItems())

	bad := batch.Items[0]
	assert.Equal(t, "users/1", bad.ID)
	require.Error(t, bad.Err)
	assert.Nil(t, bad.Result)
	assert.JSONEq(t, `{"name":"Alice","age":"thirty"}`, string(bad.Raw))

	good := batch.Items[1]
	assert.Equal(t, "users/2", good.ID)
	require.NoError(t, good.Err)
	require.NotNil(t, good.Result)
	assert.Equal(t, 27, good.Result.Age)

	require.NoError(t, worker.Close())
	assert.NoError(t, handle.Wait())
}

func TestSubscriptionWorkerUnknownSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	worker, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: "nope",
	})
	require.NoError(t, err)

	handle, err := worker.Run(ctx, func(*client.SubscriptionBatch[user]) error { return nil })
	require.NoError(t, err)

	err = awaitDone(t, handle)
	assert.ErrorIs(t, err, client.ErrSubscriptionDoesNotExist)
}

func TestSubscriptionWorkerDisabledSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)
	subs := conn.Subscriptions()

	_, err := subs.Create(ctx, raijin.SubscriptionCreationOptions{
		Name:  "gated",
		Query: "from 'users'",
	})
	require.NoError(t, err)

	t.Run("disabled while streaming", func(t *testing.T) {
		tw := startNopWorker(t, ctx, conn, "gated", raijin.OpenIfFree)
		tw.awaitAck(t)

		require.NoError(t, subs.Disable(ctx, "gated"))
		assert.ErrorIs(t, awaitDone(t, tw.handle), client.ErrSubscriptionClosed)
	})

	t.Run("connect to disabled", func(t *testing.T) {
		tw := startNopWorker(t, ctx, conn, "gated", raijin.OpenIfFree)
		assert.ErrorIs(t, awaitDone(t, tw.handle), client.ErrSubscriptionClosed)
	})

	t.Run("enable restores", func(t *testing.T) {
		require.NoError(t, subs.Enable(ctx, "gated"))

		tw := startNopWorker(t, ctx, conn, "gated", raijin.OpenIfFree)
		tw.awaitAck(t)
	})
}

func TestSubscriptionWorkerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	_, err := conn.Subscriptions().Create(ctx, raijin.SubscriptionCreationOptions{
		Name:  "stoppable",
		Query: "from 'users'",
	})
	require.NoError(t, err)

	tw := startNopWorker(t, ctx, conn, "stoppable", raijin.OpenIfFree)
	tw.awaitAck(t)

	_, err = tw.w.Run(ctx, func(*client.SubscriptionBatch[user]) error { return nil })
	assert.ErrorIs(t, err, client.ErrWorkerAlreadyRunning)

	require.NoError(t, tw.w.Close())
	require.NoError(t, tw.w.Close())
	assert.NoError(t, tw.handle.Wait())

	_, err = tw.w.Run(ctx, func(*client.SubscriptionBatch[user]) error { return nil })
	assert.ErrorIs(t, err, client.ErrWorkerClosed)
}

func TestNewSubscriptionWorkerValidation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := runTestServer(t, ctx)
	conn := connectTestClient(t, ctx, s)

	_, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{})
	assert.ErrorIs(t, err, client.ErrEmptySubscriptionName)

	_, err = client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: "feed",
		Strategy:         "bogus",
	})
	assert.Error(t, err)

	_, err = client.NewSubscriptionWorker[user](nil, client.SubscriptionWorkerOptions{
		SubscriptionName: "feed",
	})
	assert.ErrorIs(t, err, client.ErrConnClosed)

	w, err := client.NewSubscriptionWorker[user](conn, client.SubscriptionWorkerOptions{
		SubscriptionName: "feed",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())

	_, err = w.Run(ctx, nil)
	assert.Error(t, err)
}
