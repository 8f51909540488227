package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Plugin string `json:"plugin,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteError writes err with the status StatusFor picks for it
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse{Error: err.Error(), Plugin: pluginOf(err)})
}

func pluginOf(err error) string {
	var (
		installErr *plugins.InstallError
		loadErr    *plugins.LoadError
		depErr     *plugins.DependencyError
	)
	switch {
	case errors.As(err, &installErr):
		return installErr.Plugin
	case errors.As(err, &loadErr):
		return loadErr.Plugin
	case errors.As(err, &depErr):
		return depErr.Plugin
	}
	return ""
}

// StatusFor maps the plugin error taxonomy onto HTTP status codes
func StatusFor(err error) int {
	var (
		manifestErr *plugins.ManifestError
		securityErr *plugins.SecurityViolation
		depErr      *plugins.DependencyError
		marketErr   *plugins.MarketplaceError
	)
	switch {
	case errors.Is(err, plugins.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugins.ErrAlreadyInstalled),
		errors.Is(err, plugins.ErrAlreadyActive),
		errors.Is(err, plugins.ErrNotActive),
		errors.Is(err, plugins.ErrHasDependents),
		errors.Is(err, plugins.ErrDisabled),
		errors.Is(err, plugins.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, plugins.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.As(err, &manifestErr), errors.As(err, &securityErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &depErr):
		return http.StatusFailedDependency
	case errors.As(err, &marketErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
