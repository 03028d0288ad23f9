package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/sandflow/internal/errdefs"
)

// Error codes returned in API responses
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeOwnershipMismatch   = "OWNERSHIP_MISMATCH"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeProvisioning        = "PROVISIONING_FAILURE"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeUpstream            = "UPSTREAM_ERROR"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toAPIError maps err onto a status and body. Only validation and not-found
// errors carry their own text; everything else gets a fixed message so
// backend details never reach the client.
func toAPIError(err error) (int, APIError) {
	switch {
	case errors.Is(err, errdefs.ErrUnauthorized):
		return http.StatusUnauthorized, APIError{Code: ErrCodeUnauthorized, Message: "unauthorized"}

	case errors.Is(err, errdefs.ErrOwnershipMismatch):
		return http.StatusForbidden, APIError{Code: ErrCodeOwnershipMismatch, Message: errdefs.ErrOwnershipMismatch.Error()}

	case errors.Is(err, errdefs.ErrValidation):
		apiErr := APIError{Code: ErrCodeValidation, Message: err.Error()}
		var ve *errdefs.ValidationError
		if errors.As(err, &ve) {
			apiErr.Message = ve.Reason
			apiErr.Details = map[string]interface{}{}
			if ve.Field != "" {
				apiErr.Details["field"] = ve.Field
			}
			if ve.Rule != "" {
				apiErr.Details["rule"] = ve.Rule
			}
			if len(apiErr.Details) == 0 {
				apiErr.Details = nil
			}
		}
		return http.StatusBadRequest, apiErr

	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound, APIError{Code: ErrCodeNotFound, Message: err.Error()}

	case errors.Is(err, errdefs.ErrTimeout):
		return http.StatusGatewayTimeout, APIError{Code: ErrCodeTimeout, Message: "operation timed out"}

	case errors.Is(err, errdefs.ErrProvisioning):
		return http.StatusBadGateway, APIError{Code: ErrCodeProvisioning, Message: "sandbox backend failure"}

	case errors.Is(err, errdefs.ErrUpstream):
		return http.StatusBadGateway, APIError{Code: ErrCodeUpstream, Message: "model backend failure"}

	case errors.Is(err, errdefs.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, APIError{Code: ErrCodeProviderUnavailable, Message: "no sandbox provider is configured"}

	default:
		return http.StatusInternalServerError, APIError{Code: ErrCodeInternalError, Message: "internal error"}
	}
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	status, apiErr := toAPIError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
