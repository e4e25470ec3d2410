package licensing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when a presented key does not match the
	// license's activation or renewal key.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidTransition is returned when an event is not allowed from the
	// current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingTxid is returned when a payment payload carries no txid in
	// any accepted shape.
	ErrMissingTxid = errors.New("payload carries no txid")

	// ErrMalformedPayload is returned when a payment payload is not a JSON
	// object.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidPlanDays is returned when a subscription is activated for a
	// non-positive number of days.
	ErrInvalidPlanDays = errors.New("plan days must be positive")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Entity string
	Event  string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("%s: %s not allowed from %s", e.Entity, e.Event, e.From)
	}
	return fmt.Sprintf("%s: %s not allowed (%s -> %s)", e.Entity, e.Event, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
