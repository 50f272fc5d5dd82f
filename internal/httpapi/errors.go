package httpapi

import (
	"net/http"

	"github.com/acamarata/cutroom/internal/orcherr"
)

// statusFor maps an orcherr.Code to the HTTP status the surface table
// in spec section 6 assigns it.
func statusFor(code orcherr.Code) int {
	switch code {
	case orcherr.InvalidInput:
		return http.StatusBadRequest
	case orcherr.NotFound:
		return http.StatusNotFound
	case orcherr.InvalidState, orcherr.PreconditionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorBody returns the HTTP status err's code maps to and the JSON
// error body for it. A plain (non-*orcherr.Error) error is treated as INTERNAL.
func writeErrorBody(err error) (int, map[string]string) {
	if e, ok := err.(*orcherr.Error); ok {
		return statusFor(e.Code), map[string]string{
			"error":   string(e.Code),
			"message": e.Message,
		}
	}
	return http.StatusInternalServerError, map[string]string{
		"error":   string(orcherr.Internal),
		"message": err.Error(),
	}
}
