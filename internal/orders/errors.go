package orders

import "errors"

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrIllegalTransition = errors.New("orders: illegal status transition")
	ErrDuplicateNumber   = errors.New("orders: duplicate order number")
)
