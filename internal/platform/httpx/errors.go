package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrInactive):
		Problem(w, http.StatusUnprocessableEntity, "Inactive", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrInvalidWindow), errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrCacheInvalidation):
		Problem(w, http.StatusServiceUnavailable, "Cache Invalidation Pending", "change saved; permission cache refresh is pending")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Forbidden writes the generic denial. It never says why access was refused.
func Forbidden(w http.ResponseWriter) {
	Problem(w, http.StatusForbidden, "Forbidden", "not authorized")
}
