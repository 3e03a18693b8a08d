package proto_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := proto.Request{
		Op:         proto.OpPut,
		ID:         "users/1",
		Collection: "Users",
		Data:       []byte(`{"name":"John","age":31}`),
	}
	require.NoError(t, proto.WriteFrame(&buf, &req))

	var got proto.Request
	require.NoError(t, proto.ReadFrame(&buf, proto.DefaultMaxFrameSize, &got))

	assert.Equal(t, proto.OpPut, got.Op)
	assert.Equal(t, "users/1", got.ID)
	assert.Equal(t, "Users", got.Collection)
	assert.JSONEq(t, `{"name":"John","age":31}`, string(got.Data))
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer

	msgs := []proto.ServerMessage{
		{Type: proto.MsgConnectionStatus, Status: &proto.ConnectionStatus{Accepted: true}},
		{Type: proto.MsgBatch, Batch: &proto.Batch{
			Items: []proto.BatchItem{
				{ID: "users/1", ChangeVector: "A:1-abc", Data: []byte(`{"age":31}`)},
				{ID: "users/2", ChangeVector: "A:2-abc", Data: []byte(`{"age":27}`)},
			},
			ChangeVector: "A:2-abc",
		}},
		{Type: proto.MsgConfirm, Confirm: &proto.Confirm{ChangeVector: "A:2-abc"}},
	}
	for i := range msgs {
		require.NoError(t, proto.WriteFrame(&buf, &msgs[i]))
	}

	for i := range msgs {
		var got proto.ServerMessage
		require.NoError(t, proto.ReadFrame(&buf, proto.DefaultMaxFrameSize, &got))
		assert.Equal(t, msgs[i].Type, got.Type)
	}

	var got proto.ServerMessage
	assert.ErrorIs(t, proto.ReadFrame(&buf, proto.DefaultMaxFrameSize, &got), io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, proto.WriteFrame(&buf, &proto.Request{
		Op:   proto.OpPut,
		Data: []byte(`{"filler":"0123456789012345678901234567890123456789"}`),
	}))

	var got proto.Request
	assert.ErrorIs(t, proto.ReadFrame(&buf, 8, &got), proto.ErrFrameTooLarge)
}

func TestFrameErrorPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, proto.WriteFrame(&buf, &proto.ServerMessage{
		Type:  proto.MsgError,
		Error: proto.NewError(proto.ErrTypeSubscriptionInUse, "held by another worker"),
	}))

	var got proto.ServerMessage
	require.NoError(t, proto.ReadFrame(&buf, proto.DefaultMaxFrameSize, &got))
	require.NotNil(t, got.Error)
	assert.Equal(t, proto.ErrTypeSubscriptionInUse, got.Error.Type)
	assert.Equal(t, "subscription_in_use: held by another worker", got.Error.Error())
}
