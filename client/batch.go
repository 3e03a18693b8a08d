package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValerySidorin/raijin/internal/proto"
	"github.com/bytedance/sonic"
)

// SubscriptionBatch is one delivery unit handed to the subscriber handler.
type SubscriptionBatch[T any] struct {
	Items []SubscriptionBatchItem[T]

	changeVector string
}

func (b *SubscriptionBatch[T]) NumberOfItems() int {
	return len(b.Items)
}

// ChangeVector is the cursor acknowledged for this batch.
func (b *SubscriptionBatch[T]) ChangeVector() string {
	return b.changeVector
}

// SubscriptionBatchItem carries one document. Err is set and Result left
// nil when the document could not be deserialized into T, so handlers can
// react per item without aborting the whole batch.
type SubscriptionBatchItem[T any] struct {
	ID           string
	ChangeVector string
	Raw          json.RawMessage
	Result       *T
	Err          error
}

func batchFromWire[T any](wb *proto.Batch) *SubscriptionBatch[T] {
	b := &SubscriptionBatch[T]{changeVector: wb.ChangeVector}
	if len(wb.Items) == 0 {
		return b
	}

	b.Items = make([]SubscriptionBatchItem[T], len(wb.Items))
	for i, item := range wb.Items {
		out := SubscriptionBatchItem[T]{
			ID:           item.ID,
			ChangeVector: item.ChangeVector,
			Raw:          item.Data,
		}
		var doc T
		if err := sonic.Unmarshal(item.Data, &doc); err != nil {
			out.Err = fmt.Errorf("unmarshal document %s: %w", item.ID, err)
		} else {
			out.Result = &doc
		}
		b.Items[i] = out
	}
	return b
}
