// ABOUTME: Maps domain errors to HTTP status codes and client messages
// ABOUTME: Device routes answer unknown keys and user-agent mismatches identically

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/download"
	"github.com/2389/bookdrop/internal/session"
	"github.com/2389/bookdrop/internal/upload"
)

// unknownKeyMessage is the only error a device ever sees for a key it
// cannot use.
const unknownKeyMessage = "Unknown key"

// statusFor returns the HTTP status for err.
func statusFor(err error) int {
	var convErr *convert.ConversionError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, download.ErrNotFound), errors.Is(err, download.ErrDenied):
		return http.StatusNotFound
	case errors.Is(err, session.ErrKeyspaceExhausted), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, upload.ErrUnknownKey):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrFileTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &convErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, upload.ErrInvalidFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, upload.ErrEmptySubmission),
		errors.Is(err, upload.ErrTooManyFiles),
		errors.Is(err, upload.ErrInvalidURL):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-facing text for err. Internal failures are
// not described to the client.
func messageFor(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return unknownKeyMessage
	case http.StatusInternalServerError:
		return "internal error"
	}
	if errors.Is(err, upload.ErrUnknownKey) {
		return unknownKeyMessage
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return "upload too large"
	}
	return err.Error()
}

// sendError writes a plain-text error response derived from err.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	http.Error(w, messageFor(err), statusFor(err))
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write JSON response", "error", err)
	}
}
