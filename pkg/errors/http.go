package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings, domain errors first so they win over wrapped causes
var errorStatusCodes = []struct {
	err    error
	status int
}{
	{ErrDeviceAccess, http.StatusServiceUnavailable},
	{ErrDetectorUnavailable, http.StatusServiceUnavailable},
	{ErrTransport, http.StatusBadGateway},
	{ErrSubmission, http.StatusBadGateway},
	{ErrRecognition, http.StatusBadGateway},
	{ErrSessionActive, http.StatusConflict},
	{ErrSessionNotActive, http.StatusNotFound},

	{ErrNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrInternalError, http.StatusInternalServerError},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrFailedPrecondition, http.StatusPreconditionFailed},
	{ErrCanceled, http.StatusRequestTimeout},
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	if err == nil {
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{
			"error": "Unknown error",
		}
	} else if errors.As(err, &serr) {
		statusCode = HTTPStatusFromError(serr.original)
		response = serr.AsJSON()
	} else {
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{
			"error": err.Error(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for _, m := range errorStatusCodes {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
