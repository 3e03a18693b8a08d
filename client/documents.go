package client

import (
	"context"
	"fmt"

	"github.com/ValerySidorin/raijin"
	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/bytedance/sonic"
)

// Put stores doc under id in the collection derived from T, returning the
// assigned change vector.
func Put[T any](ctx context.Context, c *Conn, id string, doc *T) (string, error) {
	data, err := sonic.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return c.PutRaw(ctx, id, raijin.CollectionName[T](), data)
}

func (c *Conn) PutRaw(ctx context.Context, id, collection string, data []byte) (string, error) {
	resp, err := c.do(ctx, &proto.Request{
		Op:         proto.OpPut,
		ID:         id,
		Collection: collection,
		Data:       data,
	})
	if err != nil {
		return "", err
	}
	return resp.ChangeVector, nil
}

// Get loads the document stored under id into a fresh T.
func Get[T any](ctx context.Context, c *Conn, id string) (*T, error) {
	data, _, err := c.GetRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	var doc T
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &doc, nil
}

func (c *Conn) GetRaw(ctx context.Context, id string) ([]byte, string, error) {
	resp, err := c.do(ctx, &proto.Request{Op: proto.OpGet, ID: id})
	if err != nil {
		return nil, "", err
	}
	return resp.Data, resp.ChangeVector, nil
}

func (c *Conn) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, &proto.Request{Op: proto.OpDelete, ID: id})
	return err
}

func (c *Conn) Statistics(ctx context.Context) (*raijin.DatabaseStatistics, error) {
	resp, err := c.do(ctx, &proto.Request{Op: proto.OpStats})
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}
