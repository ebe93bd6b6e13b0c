package httpx

import (
	"errors"
	"net/http"

	"github.com/tradewind-erp/tradewind/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807. The detail
// string carries the full wrapped message so rejected mutations report which
// invariant was violated and the offending quantities.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrQuantityViolation):
		Problem(w, http.StatusUnprocessableEntity, "Quantity Violation", err.Error())
	case errors.Is(err, shared.ErrAmountViolation):
		Problem(w, http.StatusUnprocessableEntity, "Amount Violation", err.Error())
	case errors.Is(err, shared.ErrDuplicateNumber):
		Problem(w, http.StatusConflict, "Duplicate Number", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusForbidden, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
