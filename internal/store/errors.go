package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTenantNotFound   = fmt.Errorf("tenant %w", ErrNotFound)
	ErrServiceNotFound  = fmt.Errorf("service %w", ErrNotFound)
	ErrCounterNotFound  = fmt.Errorf("counter %w", ErrNotFound)
	ErrOperatorNotFound = fmt.Errorf("operator %w", ErrNotFound)
	ErrTicketNotFound   = fmt.Errorf("ticket %w", ErrNotFound)
	ErrEventNotFound    = fmt.Errorf("event %w", ErrNotFound)

	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrQueueEmpty        = errors.New("no tickets waiting")
	ErrValidation        = errors.New("invalid input")
)

func InvalidTransition(action, status string) error {
	return fmt.Errorf("%w: cannot %s a ticket in status %s", ErrInvalidTransition, action, status)
}

func Validation(message string) error {
	return fmt.Errorf("%w: %s", ErrValidation, message)
}
