package store_test

import (
	"strconv"
	"testing"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*store.Store, *store.Subscriptions) {
	t.Helper()
	s := store.New()
	return s, store.NewSubscriptions(s)
}

func TestCreate(t *testing.T) {
	_, subs := newRegistry(t)

	st, err := subs.Create(raijin.SubscriptionCreationOptions{Query: "from Users"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.SubscriptionID)
	assert.Equal(t, "1", st.SubscriptionName)
	assert.Empty(t, st.ChangeVectorForNextBatchStartingPoint)

	st, err = subs.Create(raijin.SubscriptionCreationOptions{Name: "people", Query: "from Users"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.SubscriptionID)
	assert.Equal(t, "people", st.SubscriptionName)

	_, err = subs.Create(raijin.SubscriptionCreationOptions{Name: "people", Query: "from Users"})
	assert.ErrorIs(t, err, store.ErrSubAlreadyExists)

	_, err = subs.Create(raijin.SubscriptionCreationOptions{Name: "broken", Query: "not a query"})
	assert.ErrorIs(t, err, store.ErrInvalidQuery)

	_, err = subs.Create(raijin.SubscriptionCreationOptions{Name: "empty"})
	assert.ErrorIs(t, err, store.ErrInvalidQuery)
}

func TestCreateWithStartingPoint(t *testing.T) {
	s, subs := newRegistry(t)

	d, err := s.Put("users/1", "Users", []byte(`{}`))
	require.NoError(t, err)

	st, err := subs.Create(raijin.SubscriptionCreationOptions{
		Name:         "tail",
		Query:        "from Users",
		ChangeVector: d.ChangeVector,
	})
	require.NoError(t, err)
	assert.Equal(t, d.ChangeVector, st.ChangeVectorForNextBatchStartingPoint)

	view, err := subs.View("tail")
	require.NoError(t, err)
	assert.Equal(t, d.Etag, view.Cursor)
}

func TestUpdateByName(t *testing.T) {
	_, subs := newRegistry(t)

	_, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	st, notModified, err := subs.Update(raijin.SubscriptionUpdateOptions{
		Name:  "users",
		Query: "from 'Users' where age > 18",
	})
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, "from 'Users' where age > 18", st.Query)
}

func TestUpdateNotModified(t *testing.T) {
	_, subs := newRegistry(t)

	created, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	st, notModified, err := subs.Update(raijin.SubscriptionUpdateOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Equal(t, created, st)
}

func TestUpdateByKey(t *testing.T) {
	_, subs := newRegistry(t)

	created, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	st, _, err := subs.Update(raijin.SubscriptionUpdateOptions{
		Key:   created.SubscriptionID,
		Query: "from Companies",
	})
	require.NoError(t, err)
	assert.Equal(t, "users", st.SubscriptionName)
	assert.Equal(t, "from Companies", st.Query)
}

func TestUpdateResolution(t *testing.T) {
	_, subs := newRegistry(t)

	first, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "first", Query: "from Users"})
	require.NoError(t, err)
	_, err = subs.Create(raijin.SubscriptionCreationOptions{Name: "second", Query: "from Users"})
	require.NoError(t, err)

	t.Run("missing name", func(t *testing.T) {
		_, _, err := subs.Update(raijin.SubscriptionUpdateOptions{Name: "ghost", Query: "from Users"})
		assert.ErrorIs(t, err, store.ErrSubNotFound)
	})

	t.Run("missing key wins over matching name", func(t *testing.T) {
		_, _, err := subs.Update(raijin.SubscriptionUpdateOptions{Name: "first", Key: 999, Query: "from Users"})
		assert.ErrorIs(t, err, store.ErrSubNotFound)
	})

	t.Run("conflicting name and key", func(t *testing.T) {
		_, _, err := subs.Update(raijin.SubscriptionUpdateOptions{
			Name:  "second",
			Key:   first.SubscriptionID,
			Query: "from Users",
		})
		assert.ErrorIs(t, err, store.ErrSubAmbiguous)
	})

	t.Run("agreeing name and key", func(t *testing.T) {
		_, _, err := subs.Update(raijin.SubscriptionUpdateOptions{
			Name:  "first",
			Key:   first.SubscriptionID,
			Query: "from 'Users' where age > 0",
		})
		assert.NoError(t, err)
	})

	t.Run("no target", func(t *testing.T) {
		_, _, err := subs.Update(raijin.SubscriptionUpdateOptions{Query: "from Users"})
		assert.Error(t, err)
	})
}

func TestUpdateCreateIfMissing(t *testing.T) {
	_, subs := newRegistry(t)

	st, notModified, err := subs.Update(raijin.SubscriptionUpdateOptions{
		Name:            "fresh",
		Query:           "from Users",
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, "fresh", st.SubscriptionName)

	got, err := subs.State("fresh")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestUpdatePreservesCursor(t *testing.T) {
	s, subs := newRegistry(t)

	_, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	d, err := s.Put("users/1", "Users", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, subs.Ack("users", d.ChangeVector))

	st, _, err := subs.Update(raijin.SubscriptionUpdateOptions{Name: "users", Query: "from Companies"})
	require.NoError(t, err)
	assert.Equal(t, d.ChangeVector, st.ChangeVectorForNextBatchStartingPoint)
}

func TestAckMonotonic(t *testing.T) {
	s, subs := newRegistry(t)

	_, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	d1, err := s.Put("users/1", "Users", []byte(`{}`))
	require.NoError(t, err)
	d2, err := s.Put("users/2", "Users", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, subs.Ack("users", d2.ChangeVector))
	require.NoError(t, subs.Ack("users", d2.ChangeVector))
	assert.ErrorIs(t, subs.Ack("users", d1.ChangeVector), store.ErrStaleAck)
	assert.ErrorIs(t, subs.Ack("ghost", d1.ChangeVector), store.ErrSubNotFound)

	st, err := subs.State("users")
	require.NoError(t, err)
	assert.Equal(t, d2.ChangeVector, st.ChangeVectorForNextBatchStartingPoint)
	assert.False(t, st.LastBatchAckTime.IsZero())
}

func TestEnableDisableDelete(t *testing.T) {
	_, subs := newRegistry(t)

	_, err := subs.Create(raijin.SubscriptionCreationOptions{Name: "users", Query: "from Users"})
	require.NoError(t, err)

	st, err := subs.SetDisabled("users", true)
	require.NoError(t, err)
	assert.True(t, st.Disabled)

	st, err = subs.SetDisabled("users", false)
	require.NoError(t, err)
	assert.False(t, st.Disabled)

	require.NoError(t, subs.Delete("users"))
	assert.ErrorIs(t, subs.Delete("users"), store.ErrSubNotFound)
	_, err = subs.State("users")
	assert.ErrorIs(t, err, store.ErrSubNotFound)
	_, err = subs.SetDisabled("users", true)
	assert.ErrorIs(t, err, store.ErrSubNotFound)
}

func TestList(t *testing.T) {
	_, subs := newRegistry(t)

	for i := 0; i < 5; i++ {
		_, err := subs.Create(raijin.SubscriptionCreationOptions{
			Name:  "sub-" + strconv.Itoa(i),
			Query: "from Users",
		})
		require.NoError(t, err)
	}

	all := subs.List(0, 0)
	require.Len(t, all, 5)
	for i, st := range all {
		assert.Equal(t, int64(i+1), st.SubscriptionID)
	}

	page := subs.List(1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "sub-1", page[0].SubscriptionName)
	assert.Equal(t, "sub-2", page[1].SubscriptionName)

	assert.Empty(t, subs.List(10, 2))
	assert.Equal(t, int64(5), subs.Count())
}
