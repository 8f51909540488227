package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"path": "/plugins/aws-vpc"}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	WriteNotFound(w, "plugin not found")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "plugin not found")

	w = httptest.NewRecorder()
	WriteBadRequest(w, "invalid input")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get: %w", plugins.ErrPluginNotFound), http.StatusNotFound},
		{"already installed", &plugins.InstallError{Plugin: "x", Err: plugins.ErrAlreadyInstalled}, http.StatusConflict},
		{"has dependents", plugins.ErrHasDependents, http.StatusConflict},
		{"disabled", plugins.ErrDisabled, http.StatusConflict},
		{"permission", plugins.ErrPermissionDenied, http.StatusForbidden},
		{"manifest", &plugins.InstallError{Err: &plugins.ManifestError{Field: "name"}}, http.StatusUnprocessableEntity},
		{"security", &plugins.SecurityViolation{Severity: plugins.SeverityCritical, Message: "os.execute"}, http.StatusUnprocessableEntity},
		{"dependency", &plugins.DependencyError{Plugin: "x", Dependency: "y"}, http.StatusFailedDependency},
		{"marketplace", &plugins.MarketplaceError{Repository: "r", Op: "search", Err: errors.New("offline")}, http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestWriteErrorNamesPlugin(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &plugins.LoadError{Plugin: "aws-vpc", Reason: "class missing", Err: plugins.ErrPluginNotFound})

	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "aws-vpc", resp.Plugin)
	assert.Contains(t, resp.Error, "class missing")
}
