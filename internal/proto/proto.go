// Package proto defines the raijin wire protocol: length-prefixed JSON
// frames carrying one request/response exchange per stream for operations,
// or the streaming message flow for subscriptions.
package proto

import (
	"encoding/json"

	"github.com/ValerySidorin/raijin"
)

type Op string

const (
	OpUnknown Op = ""

	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpStats  Op = "stats"

	OpSubscriptionCreate  Op = "subscription.create"
	OpSubscriptionUpdate  Op = "subscription.update"
	OpSubscriptionList    Op = "subscription.list"
	OpSubscriptionState   Op = "subscription.state"
	OpSubscriptionEnable  Op = "subscription.enable"
	OpSubscriptionDisable Op = "subscription.disable"
	OpSubscriptionDelete  Op = "subscription.delete"
	OpSubscriptionDrop    Op = "subscription.drop"

	OpSubscribe Op = "subscribe"
)

// Request is the first frame the client sends on a stream. Op selects the
// operation; the remaining fields are op-specific.
type Request struct {
	Op Op `json:"op"`

	// Document ops.
	ID         string          `json:"id,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	// Subscription admin ops addressing a subscription by name.
	Name string `json:"name,omitempty"`

	// List pagination.
	Start    int `json:"start,omitempty"`
	PageSize int `json:"page_size,omitempty"`

	Create    *raijin.SubscriptionCreationOptions `json:"create,omitempty"`
	Update    *raijin.SubscriptionUpdateOptions   `json:"update,omitempty"`
	Subscribe *SubscribeParams                    `json:"subscribe,omitempty"`
}

// SubscribeParams is the handshake payload upgrading a stream to a
// subscription worker connection.
type SubscribeParams struct {
	Subscription    string `json:"subscription"`
	Strategy        string `json:"strategy"`
	WorkerID        string `json:"worker_id"`
	MaxDocsPerBatch int    `json:"max_docs_per_batch,omitempty"`
}

// Response is the single reply frame for operation streams.
type Response struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error,omitempty"`

	// Document op results.
	Data         json.RawMessage `json:"data,omitempty"`
	ChangeVector string          `json:"change_vector,omitempty"`

	// Subscription admin results.
	Name        string                     `json:"name,omitempty"`
	Key         int64                      `json:"key,omitempty"`
	NotModified bool                       `json:"not_modified,omitempty"`
	State       *raijin.SubscriptionState  `json:"state,omitempty"`
	States      []raijin.SubscriptionState `json:"states,omitempty"`

	Stats *raijin.DatabaseStatistics `json:"stats,omitempty"`
}

// Server to client streaming message types.
const (
	MsgConnectionStatus = "connection_status"
	MsgBatch            = "batch"
	MsgConfirm          = "confirm"
	MsgError            = "error"
)

// ServerMessage is one frame of the server side of a subscription stream.
type ServerMessage struct {
	Type string `json:"type"`

	Status  *ConnectionStatus `json:"status,omitempty"`
	Batch   *Batch            `json:"batch,omitempty"`
	Confirm *Confirm          `json:"confirm,omitempty"`
	Error   *Error            `json:"error,omitempty"`
}

// ConnectionStatus acknowledges a completed strategy negotiation.
type ConnectionStatus struct {
	Accepted bool `json:"accepted"`
}

// Batch carries up to max_docs_per_batch items in delivery order.
// A heartbeat batch has zero items and must be acknowledged like any other.
type Batch struct {
	Items     []BatchItem `json:"items,omitempty"`
	Heartbeat bool        `json:"heartbeat,omitempty"`

	// ChangeVector is the cursor the client acknowledges for this batch.
	ChangeVector string `json:"change_vector"`
}

type BatchItem struct {
	ID           string          `json:"id"`
	ChangeVector string          `json:"change_vector"`
	Data         json.RawMessage `json:"data"`
}

// Confirm reports a durably recorded acknowledgment.
type Confirm struct {
	ChangeVector string `json:"change_vector"`
}

// Client to server streaming message types.
const (
	MsgAck = "ack"
)

// ClientMessage is one frame of the client side of a subscription stream.
type ClientMessage struct {
	Type         string `json:"type"`
	ChangeVector string `json:"change_vector,omitempty"`
}
