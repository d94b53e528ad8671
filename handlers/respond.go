package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/models"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.Warnf("failed to encode response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError maps err onto a status and structured body. Storage failures
// are logged and reported with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.Logger.WithField("path", r.URL.Path).WithError(err).Error("request failed")
		message = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Code: models.Code(err), Message: message})
}

// maxBodyBytes bounds request bodies; avatars may be embedded image data.
const maxBodyBytes = 1 << 20

// decodeJSON reads a request body into v. Unknown fields, trailing data and
// oversized or malformed bodies are validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return models.Validationf("invalid request body: %v", err)
	}
	if dec.More() {
		return models.Validationf("invalid request body: unexpected data after JSON object")
	}
	return nil
}
