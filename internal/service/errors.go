package service

import (
	"errors"
	"fmt"

	"ridedispatch/internal/repository"
)

var (
	// ErrUnauthorized is returned when the caller's role or binding does not match the order.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotBound is returned when a client event arrives on a connection that does not
	// hold the order's token binding. It is never reported back to the caller.
	ErrNotBound = errors.New("connection not bound to order")

	// ErrSessionNotFound is returned for unknown or expired driver sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenNotFound is returned for unknown orders or wrong client tokens.
	ErrTokenNotFound = errors.New("token not found")

	// ErrDriverNotFound is returned when logging in an unknown driver.
	ErrDriverNotFound = errors.New("driver not found")

	// ErrOrderNoLongerAvailable is returned to a driver that lost the accept race.
	ErrOrderNoLongerAvailable = errors.New("order no longer available")

	// ErrAlreadyProcessing is returned when a settlement attempt is already in flight.
	ErrAlreadyProcessing = errors.New("payment already processing")

	// ErrAlreadySettled is returned when confirming an order that is already paid.
	ErrAlreadySettled = errors.New("payment already confirmed")

	// ErrSessionAlreadyActive is returned when a token is bound to another live connection.
	ErrSessionAlreadyActive = errors.New("session already active on another connection")

	// ErrInvalidTransition is returned when the order's status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoLiveConnection is returned when a driver goes online without a live connection.
	ErrNoLiveConnection = errors.New("session has no live connection")

	// ErrInvalidOrder is returned when an order payload fails validation.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidPaymentMethod is returned when payment method is invalid.
	ErrInvalidPaymentMethod = errors.New("invalid payment method")

	// ErrInvalidLocation is returned when location coordinates are invalid.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidStage is returned when a driver reports something that is not a ride stage.
	ErrInvalidStage = errors.New("invalid ride stage")

	// ErrInvalidRole is returned when the actor role is neither driver nor client.
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidCommand is returned for unknown or malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// GatewayError reports a failed charge. Soft failures need an extra
// authentication step by the client; hard failures need a new card or cash.
// Both leave the order retryable.
type GatewayError struct {
	Soft   bool
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	kind := "hard"
	if e.Soft {
		kind = "soft"
	}
	if e.Err != nil {
		return fmt.Sprintf("payment gateway %s failure: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment gateway %s failure: %s", kind, e.Reason)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ErrorKind is the coarse class of an error, used to build rejections.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindConflict     ErrorKind = "conflict"
	KindGateway      ErrorKind = "gateway_error"
	KindInvalid      ErrorKind = "invalid"
	KindSilent       ErrorKind = "silent"
	KindInternal     ErrorKind = "internal"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotBound):
		return KindSilent
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrDriverNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrOrderNoLongerAvailable),
		errors.Is(err, ErrAlreadyProcessing),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrSessionAlreadyActive),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNoLiveConnection):
		return KindConflict
	case errors.As(err, &gwErr):
		return KindGateway
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInvalidPaymentMethod),
		errors.Is(err, ErrInvalidLocation),
		errors.Is(err, ErrInvalidStage),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidCommand):
		return KindInvalid
	default:
		return KindInternal
	}
}

// PublicMessage returns the text safe to show the caller. Not-found errors are
// collapsed so probing connections cannot tell which entity is missing.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
