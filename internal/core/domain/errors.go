package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("numbers not available")
	ErrDuplicateReservation = errors.New("duplicate reservation")
	ErrConfirmRejected      = errors.New("confirm rejected: numbers not reserved by order")
	ErrExpiredState         = errors.New("order has expired, please create a new order")
	ErrInvalidTransition    = errors.New("invalid order transition")
	ErrStaleTransition      = errors.New("order state changed concurrently")
	ErrForbidden            = errors.New("order belongs to another user")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrSchedulerUnavailable = errors.New("timeout scheduler unavailable")
)

// ConflictError lists the requested numbers that could not be reserved.
type ConflictError struct {
	DrawID      string
	Series      int
	Unavailable []int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("numbers not available in draw %s series %d: %v", e.DrawID, e.Series, e.Unavailable)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
