package proto

// ErrType discriminates server-reported failures so clients can map them
// to distinct conditions.
type ErrType string

const (
	ErrTypeInternal ErrType = "internal"

	ErrTypeSubscriptionInUse           ErrType = "subscription_in_use"
	ErrTypeSubscriptionDoesNotExist    ErrType = "subscription_does_not_exist"
	ErrTypeSubscriptionClosed          ErrType = "subscription_closed"
	ErrTypeSubscriptionSuperseded      ErrType = "subscription_superseded"
	ErrTypeSubscriptionAlreadyExists   ErrType = "subscription_already_exists"
	ErrTypeSubscriptionAmbiguousTarget ErrType = "subscription_ambiguous_target"

	ErrTypeInvalidQuery     ErrType = "invalid_query"
	ErrTypeDocumentNotFound ErrType = "document_not_found"
)

// Error is a typed failure carried in response and streaming frames.
type Error struct {
	Type    ErrType `json:"type"`
	Message string  `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Type) + ": " + e.Message
	}
	return string(e.Type)
}

func NewError(t ErrType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}
