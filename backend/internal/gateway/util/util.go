package util

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gradesync/backend/internal/ident"
	"gradesync/backend/internal/ingest"
	"gradesync/backend/internal/reconcile"
	"gradesync/backend/internal/remote"
)

// JSONResponse structure for successful responses
type JSONResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// JSONError structure for error responses
type JSONError struct {
	Success bool   `json:"success"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// WriteJSON is a helper to write JSON responses
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var response interface{}

	// Maps carrying their own "success" or "ok" key are written as is
	if responseMap, ok := payload.(map[string]interface{}); ok && (responseMap["success"] != nil || responseMap["ok"] != nil) {
		response = payload
	} else if status >= 200 && status < 300 {
		response = JSONResponse{Success: true, Data: payload}
	} else {
		response = JSONError{Success: false, Message: "Unknown error"}
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		zap.L().Warn("Error writing JSON response", zap.Error(err))
	}
}

// WriteJSONError is a helper to write standardized error JSON responses
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errorResponse := JSONError{
		Success: false,
		OK:      false,
		Message: message,
	}

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		zap.L().Warn("Error writing JSON error response", zap.Error(err))
	}
}

// HandleError translates engine errors to HTTP responses. Anything not
// recognized is an internal error.
func HandleError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := ErrorStatus(err)
	if status >= 500 {
		log.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Info("Request rejected", zap.Int("status", status), zap.Error(err))
	}

	switch status {
	case http.StatusServiceUnavailable:
		WriteJSONError(w, status, "Service Unavailable: the remote store is unreachable.")
	case http.StatusGatewayTimeout:
		WriteJSONError(w, status, "Service Timeout: the operation took too long.")
	default:
		WriteJSONError(w, status, err.Error())
	}
}

// ErrorStatus maps an error to its HTTP status code
func ErrorStatus(err error) int {
	var credErr *remote.CredentialError
	var ambErr *ident.AmbiguousIdentifierError

	switch {
	case errors.Is(err, reconcile.ErrConfirmationRequired),
		errors.Is(err, reconcile.ErrInvalidCursor),
		errors.Is(err, reconcile.ErrInvalidYear),
		errors.Is(err, ingest.ErrMissingColumns):
		return http.StatusBadRequest
	case errors.Is(err, ident.ErrUnknownIdentifier):
		return http.StatusNotFound
	case errors.As(err, &ambErr), errors.Is(err, ident.ErrAmbiguousComposite):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrNoProgress):
		return http.StatusConflict
	case errors.Is(err, remote.ErrUnavailable), errors.As(err, &credErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// QueryYear reads the optional "year" query parameter. Zero means the
// active namespace.
func QueryYear(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("year"))
	if raw == "" {
		return 0, nil
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("year must be an integer")
	}
	return year, nil
}

// QueryFlag reads a boolean query parameter ("1", "true", "0", "false").
// Absent parameters return nil.
func QueryFlag(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New(key + " must be 1 or 0")
	}
	return &v, nil
}
