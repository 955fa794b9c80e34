package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrItemNotFound  = fmt.Errorf("item %w", ErrNotFound)
	ErrStoreNotFound = fmt.Errorf("store %w", ErrNotFound)
	ErrSaleNotFound  = fmt.Errorf("sale %w", ErrNotFound)
	ErrLineNotFound  = fmt.Errorf("sale line %w", ErrNotFound)
	ErrStockNotFound = fmt.Errorf("stock record %w", ErrNotFound)

	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidReservation    = errors.New("release exceeds reserved quantity")
	ErrInvalidRefundQuantity = errors.New("refund quantity exceeds sold quantity")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotAuthorized         = errors.New("sale belongs to another store")
	ErrConcurrencyConflict   = errors.New("concurrent modification, retry")
	ErrDuplicateRequest      = errors.New("duplicate request")
)

// InsufficientStockError names the record that could not cover a request.
// It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ItemID    int64
	StoreID   int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d at store %d: available %d, requested %d",
		e.ItemID, e.StoreID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
