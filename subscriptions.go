package raijin

import (
	"time"
)

// SubscriptionOpeningStrategy controls how a connecting worker behaves when
// another worker already holds the subscription.
type SubscriptionOpeningStrategy string

const (
	// OpenIfFree connects only if no other worker currently holds the
	// subscription, failing fast otherwise.
	OpenIfFree SubscriptionOpeningStrategy = "open_if_free"
	// WaitForFree waits until the subscription is released, then connects.
	WaitForFree SubscriptionOpeningStrategy = "wait_for_free"
	// TakeOver evicts the current holder unless it connected with
	// ForceAndKeep.
	TakeOver SubscriptionOpeningStrategy = "take_over"
	// ForceAndKeep unconditionally evicts the current holder and refuses
	// later takeover attempts while held.
	ForceAndKeep SubscriptionOpeningStrategy = "force_and_keep"
)

// SubscriptionState is the server-owned record describing one subscription.
// Clients hold read-only snapshots of it.
type SubscriptionState struct {
	SubscriptionID   int64  `json:"subscription_id"`
	SubscriptionName string `json:"subscription_name"`
	Query            string `json:"query"`

	// ChangeVectorForNextBatchStartingPoint is the durable resume cursor.
	// Empty until the first acknowledgment.
	ChangeVectorForNextBatchStartingPoint string `json:"change_vector_for_next_batch_starting_point,omitempty"`

	Disabled   bool   `json:"disabled,omitempty"`
	MentorNode string `json:"mentor_node,omitempty"`

	LastBatchAckTime         time.Time `json:"last_batch_ack_time"`
	LastClientConnectionTime time.Time `json:"last_client_connection_time"`
}

// SubscriptionCreationOptions describes a subscription to be created.
// Immutable once submitted.
type SubscriptionCreationOptions struct {
	// Name is optional. The server assigns the stringified subscription id
	// when absent.
	Name string `json:"name,omitempty"`
	// Query selects the watched documents. See DefaultQuery for the
	// type-derived alternative.
	Query string `json:"query,omitempty"`
	// ChangeVector optionally sets an explicit starting resume point.
	ChangeVector string `json:"change_vector,omitempty"`
	// MentorNode is a placement hint, recorded verbatim.
	MentorNode string `json:"mentor_node,omitempty"`
}

// SubscriptionUpdateOptions identifies an existing subscription by Name or
// numeric Key and carries its new query. Key takes precedence when both are
// given; combinations resolving to different subscriptions fail.
type SubscriptionUpdateOptions struct {
	Name string `json:"name,omitempty"`
	Key  int64  `json:"key,omitempty"`

	Query string `json:"query,omitempty"`

	// CreateIfMissing creates the subscription when Name does not resolve,
	// instead of failing.
	CreateIfMissing bool `json:"create_if_missing,omitempty"`
}
