package shared

import "errors"

// Error taxonomy shared by every document service. Services wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is while the
// message still names the offending document, quantities or amounts.
var (
	// ErrNotFound indicates the id does not resolve to a live, non-deleted row.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates the state machine rejected the requested status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQuantityViolation indicates a request would breach a cross-document quantity invariant.
	ErrQuantityViolation = errors.New("quantity violation")
	// ErrAmountViolation indicates a request would breach a monetary invariant, such as overpaying an invoice.
	ErrAmountViolation = errors.New("amount violation")
	// ErrDuplicateNumber indicates a generated or submitted document number collides.
	ErrDuplicateNumber = errors.New("duplicate document number")
	// ErrInsufficientStock indicates a stock decrement would drive on-hand quantity negative.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrUnauthorized indicates the actor is missing or lacks the role for an elevated transition.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation indicates malformed or missing required input.
	ErrValidation = errors.New("validation failure")
)
