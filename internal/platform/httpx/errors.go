package httpx

import (
	"errors"
	"net/http"
)

// ErrMalformedBody indicates a request body that is not the expected JSON.
var ErrMalformedBody = errors.New("malformed request body")

// Outcome statuses carried in Envelope.Status.
const (
	StatusOK         = "ok"
	StatusNotFound   = "not-found"
	StatusConflict   = "conflict"
	StatusValidation = "validation-error"
	StatusUpstream   = "upstream-error"
	StatusInternal   = "internal-error"
	StatusForbidden  = "forbidden"
)

// Code maps an outcome status to its HTTP status code.
func Code(status string) int {
	switch status {
	case StatusOK:
		return http.StatusOK
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusValidation:
		return http.StatusBadRequest
	case StatusUpstream:
		return http.StatusBadGateway
	case StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Fail sends an envelope for a failed request.
func Fail(w http.ResponseWriter, status, message string) {
	Respond(w, Code(status), Envelope{Status: status, Message: message})
}
