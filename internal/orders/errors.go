package orders

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUserNotFound      = errors.New("user not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrAlreadyCancelled  = errors.New("order already cancelled")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStorage           = errors.New("storage failure")
)

// LineError reports which requested line rejected the order.
type LineError struct {
	Index     int
	ProductID string
	Requested int
	Available int
	Err       error
}

func (e *LineError) Error() string {
	if errors.Is(e.Err, ErrInsufficientStock) {
		return fmt.Sprintf("line %d: product %s: %v (requested %d, available %d)",
			e.Index, e.ProductID, e.Err, e.Requested, e.Available)
	}
	return fmt.Sprintf("line %d: product %s: %v", e.Index, e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsDomainError reports whether err is a validation or state error rather than a
// storage failure. Only storage failures are worth retrying.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidInput, ErrUserNotFound, ErrProductNotFound, ErrInsufficientStock,
		ErrOrderNotFound, ErrAlreadyCancelled, ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
