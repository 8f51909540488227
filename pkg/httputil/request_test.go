package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var body struct {
		Source string `json:"source"`
		Force  bool   `json:"force"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"source":"./vpc.zip","force":true}`))
	require.NoError(t, ParseJSON(r, &body))
	assert.Equal(t, "./vpc.zip", body.Source)
	assert.True(t, body.Force)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, ParseJSON(r, &body), "an empty body is allowed")

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{broken"))
	assert.False(t, ParseJSONOrError(w, r, &body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=5&force=true&rating=4.5&bad=x", nil)

	n, err := ParseQueryInt(r, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = ParseQueryInt(r, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, err = ParseQueryInt(r, "bad", 10)
	assert.Error(t, err)

	b, err := ParseQueryBool(r, "force", false)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = ParseQueryBool(r, "bad", false)
	assert.Error(t, err)

	f, err := ParseQueryFloat(r, "rating", 0)
	require.NoError(t, err)
	assert.Equal(t, 4.5, f)
	_, err = ParseQueryFloat(r, "bad", 0)
	assert.Error(t, err)
}

func TestPathString(t *testing.T) {
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/plugins/aws-vpc", nil), map[string]string{"name": "aws-vpc"})
	w := httptest.NewRecorder()
	name, ok := PathString(w, r, "name")
	assert.True(t, ok)
	assert.Equal(t, "aws-vpc", name)

	w = httptest.NewRecorder()
	_, ok = PathString(w, httptest.NewRequest(http.MethodGet, "/plugins/", nil), "name")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPluginName(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		ok     bool
		status int
	}{
		{"valid", "aws-vpc", true, http.StatusOK},
		{"underscore", "net_utils", true, http.StatusOK},
		{"missing", "", false, http.StatusBadRequest},
		{"leading digit", "1vpc", false, http.StatusBadRequest},
		{"dot segments", "..", false, http.StatusBadRequest},
		{"dots", "aws.vpc", false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/plugins/x", nil), map[string]string{"name": tt.value})
			w := httptest.NewRecorder()
			got, ok := PluginName(w, r)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.status, w.Code)
			if tt.ok {
				assert.Equal(t, tt.value, got)
			}
		})
	}
}

func TestParseForce(t *testing.T) {
	force, err := ParseForce(httptest.NewRequest(http.MethodPost, "/plugins?force=1", nil), false)
	require.NoError(t, err)
	assert.True(t, force)

	force, err = ParseForce(httptest.NewRequest(http.MethodPost, "/plugins", nil), true)
	require.NoError(t, err)
	assert.True(t, force)

	_, err = ParseForce(httptest.NewRequest(http.MethodPost, "/plugins?force=maybe", nil), false)
	assert.Error(t, err)
}

func TestParseQueryList(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/search?tag=aws,network&tag=+vpc+&tag=", nil)
	assert.Equal(t, []string{"aws", "network", "vpc"}, ParseQueryList(r, "tag"))
	assert.Nil(t, ParseQueryList(r, "missing"))
}
